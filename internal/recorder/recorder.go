// Package recorder captures the camera's RTSP stream to a file for the
// duration of a print using an external ffmpeg process.
package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
)

// StopGracePeriod is how long ffmpeg gets to finalize the file after being
// asked to quit before it is killed
const StopGracePeriod = 10 * time.Second

// ErrKilled is returned by Stop when ffmpeg ignored the quit request
var ErrKilled = errors.New("recorder did not exit in time and was killed")

// Recorder runs one ffmpeg recording process
type Recorder struct {
	cfg    config.FFmpegData
	output string
	logger *zap.SugaredLogger

	// newCmd builds the process; replaced in tests
	newCmd func(name string, args ...string) *exec.Cmd

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	done      chan struct{}
	exitErr   error
	startedAt time.Time
}

// New creates a Recorder that writes the stream to output
func New(cfg config.FFmpegData, output string, logger *zap.SugaredLogger) *Recorder {
	return &Recorder{
		cfg:    cfg,
		output: output,
		logger: logger.Named("recorder"),
		newCmd: exec.Command,
	}
}

// Args returns the ffmpeg arguments used for recording
func (r *Recorder) Args() []string {
	args := []string{
		"-y",
		"-loglevel", "error",
		"-rtsp_transport", r.cfg.RTSPTransport,
	}
	if r.cfg.StreamTimeout > 0 {
		// ffmpeg takes the socket timeout in microseconds
		args = append(args, "-timeout", strconv.FormatInt(r.cfg.StreamTimeout.Microseconds(), 10))
	}
	return append(args,
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-probesize", "32",
		"-analyzeduration", "1000000",
		"-i", r.cfg.RTSPStreamURL,
		"-c:v", "copy",
		"-copyts",
		"-avoid_negative_ts", "make_zero",
		"-flush_packets", "1",
		r.output,
	)
}

// Start launches ffmpeg. The recording clock starts when the process does.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return errors.New("recorder already started")
	}
	if r.cfg.RTSPStreamURL == "" {
		return errors.New("ffmpeg.rtsp-stream-url is not configured")
	}

	cmd := r.newCmd(r.cfg.Cmd, r.Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open recorder stdin: %w", err)
	}
	cmd.Stderr = &logWriter{logger: r.logger}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start recorder: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.startedAt = time.Now()
	r.done = make(chan struct{})

	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.exitErr = err
		r.mu.Unlock()
		close(r.done)
	}()

	r.logger.Infow("recording started", "stream", r.cfg.RTSPStreamURL, "output", r.output, "pid", cmd.Process.Pid)
	return nil
}

// StartedAt returns the time the recording process was started
func (r *Recorder) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

// Done is closed when the ffmpeg process exits for any reason
func (r *Recorder) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Stop asks ffmpeg to quit by sending "q" on stdin so the file is finalized,
// then waits up to grace before killing it.
func (r *Recorder) Stop(grace time.Duration) error {
	r.mu.Lock()
	cmd, stdin, done := r.cmd, r.stdin, r.done
	r.mu.Unlock()

	if cmd == nil {
		return nil
	}

	select {
	case <-done:
		return r.exitError()
	default:
	}

	if _, err := io.WriteString(stdin, "q"); err != nil {
		r.logger.Warnw("failed to send quit to recorder", "error", err)
	}
	stdin.Close()

	select {
	case <-done:
		r.logger.Infow("recording stopped", "output", r.output)
		return r.exitError()
	case <-time.After(grace):
	}

	r.logger.Warnw("recorder ignored quit request, killing", "grace", grace)
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill recorder: %w", err)
	}
	<-done
	return ErrKilled
}

func (r *Recorder) exitError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exitErr != nil {
		return fmt.Errorf("recorder exited with error: %w", r.exitErr)
	}
	return nil
}

// logWriter forwards ffmpeg's stderr to the logger one line at a time
type logWriter struct {
	logger  *zap.SugaredLogger
	partial []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.partial[:i]); len(line) > 0 {
			w.logger.Warnw("ffmpeg", "output", string(line))
		}
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}
