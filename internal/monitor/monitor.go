// Package monitor runs the online half of a print: it waits for a job, waits
// for the print to really begin, records the camera stream and logs
// telemetry until the job ends.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chrissnell/layerlapse/internal/constants"
	"github.com/chrissnell/layerlapse/internal/detector"
	"github.com/chrissnell/layerlapse/internal/metrics"
	"github.com/chrissnell/layerlapse/internal/printer"
	"github.com/chrissnell/layerlapse/internal/recorder"
	"github.com/chrissnell/layerlapse/internal/sessionlog"
	"github.com/chrissnell/layerlapse/internal/types"
	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
)

// DefaultJobPollInterval is how often the job endpoint is checked while no
// print is running
const DefaultJobPollInterval = 5 * time.Second

// Monitor states
const (
	StateIdle      = "idle"
	StateWaiting   = "waiting"
	StateRecording = "recording"
	StateStopped   = "stopped"
)

// Recorder captures the video for one session
type Recorder interface {
	Start() error
	StartedAt() time.Time
	Done() <-chan struct{}
	Stop(grace time.Duration) error
}

// SampleStore receives every logged sample in addition to the session log
type SampleStore interface {
	Store(ctx context.Context, s types.Sample) error
}

// Status is a snapshot of what the monitor is doing
type Status struct {
	State      string               `json:"state"`
	Session    string               `json:"session,omitempty"`
	SessionDir string               `json:"session_dir,omitempty"`
	StartedAt  time.Time            `json:"started_at,omitempty"`
	Samples    int                  `json:"samples"`
	Last       types.Sample         `json:"last_sample"`
	Conditions *detector.Conditions `json:"conditions,omitempty"`
}

// Session describes a completed monitoring session
type Session struct {
	Name     string
	Dir      string
	Trigger  types.Sample
	Samples  int
	EndState string
}

// Monitor drives monitoring sessions against one printer
type Monitor struct {
	cfg     *config.ConfigData
	printer printer.Printer
	store   SampleStore
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger

	// JobPollInterval is the idle job check period
	JobPollInterval time.Duration
	// StopGrace is how long the recorder gets to finalize the video
	StopGrace time.Duration

	newRecorder func(output string) Recorder
	now         func() time.Time

	mu     sync.RWMutex
	status Status
}

// New creates a Monitor. store and m may be nil.
func New(cfg *config.ConfigData, p printer.Printer, store SampleStore, m *metrics.Metrics, logger *zap.SugaredLogger) *Monitor {
	logger = logger.Named("monitor")
	mon := &Monitor{
		cfg:             cfg,
		printer:         p,
		store:           store,
		metrics:         m,
		logger:          logger,
		JobPollInterval: DefaultJobPollInterval,
		StopGrace:       recorder.StopGracePeriod,
		now:             time.Now,
		status:          Status{State: StateIdle},
	}
	mon.newRecorder = func(output string) Recorder {
		return recorder.New(cfg.FFmpeg, output, logger)
	}
	m.SetMonitorState(StateIdle)
	return mon
}

// Status returns a snapshot of the monitor's current state
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SessionName derives the session directory name from the job's display name,
// or from the current time when the printer reports none
func SessionName(displayName string, now time.Time) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return fmt.Sprintf("print_session_%d", now.Unix())
	}
	return strings.NewReplacer(" ", "_", ".", "_", "/", "_", `\`, "_").Replace(name)
}

// RunSession runs one complete monitoring session. It returns
// detector.ErrJobEnded if the job ended before the print began, in which case
// no recording was made.
func (m *Monitor) RunSession(ctx context.Context) (*Session, error) {
	m.setStatus(func(s *Status) { *s = Status{State: StateIdle} })

	job, err := m.waitForJob(ctx)
	if err != nil {
		return nil, err
	}

	sess := &Session{}
	sess.Name, sess.Dir, err = m.claimSessionDir(SessionName(job.DisplayName, m.now()))
	if err != nil {
		return nil, err
	}
	logger := m.logger.With("session", sess.Name)
	logger.Infow("session directory created", "dir", sess.Dir)

	m.setStatus(func(s *Status) {
		s.State = StateWaiting
		s.Session = sess.Name
		s.SessionDir = sess.Dir
	})

	det := detector.New(detector.ThresholdsFromConfig(m.cfg.Capture), logger)
	trigger, err := det.Wait(ctx, &statusSource{m: m}, m.cfg.Printer.PollInterval)
	if err != nil {
		m.setStatus(func(s *Status) { s.State = StateStopped })
		return sess, err
	}
	sess.Trigger = trigger

	rec := m.newRecorder(filepath.Join(sess.Dir, constants.RecordingFile))
	if err := rec.Start(); err != nil {
		m.setStatus(func(s *Status) { s.State = StateStopped })
		return sess, fmt.Errorf("failed to start recording: %w", err)
	}

	w, err := sessionlog.Create(filepath.Join(sess.Dir, constants.LogFile))
	if err != nil {
		m.stopRecorder(rec, logger)
		m.setStatus(func(s *Status) { s.State = StateStopped })
		return sess, err
	}

	m.setStatus(func(s *Status) {
		s.State = StateRecording
		s.StartedAt = rec.StartedAt()
		s.Conditions = nil
	})

	logErr := m.logSamples(ctx, sess, rec, w, logger)

	if err := w.Close(); err != nil {
		logger.Errorw("failed to close session log", "error", err)
	}
	m.stopRecorder(rec, logger)
	m.setStatus(func(s *Status) { s.State = StateStopped })

	logger.Infow("session finished",
		"samples", sess.Samples,
		"end_state", sess.EndState,
		"dir", sess.Dir)
	return sess, logErr
}

// claimSessionDir creates the directory for a new session. A directory left
// with files by an earlier session is never reused; the start time is
// appended to the name instead, then a counter if that is taken as well.
func (m *Monitor) claimSessionDir(base string) (string, string, error) {
	name := base
	var dir string
	for i := 1; ; i++ {
		dir = filepath.Join(m.cfg.SessionsDir, name)
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return "", "", fmt.Errorf("failed to read session directory: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		name = fmt.Sprintf("%s_%d", base, m.now().Unix())
		if i > 1 {
			name = fmt.Sprintf("%s_%d", name, i)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create session directory: %w", err)
	}
	return name, dir, nil
}

// waitForJob polls the job endpoint until a print is running
func (m *Monitor) waitForJob(ctx context.Context) (printer.JobInfo, error) {
	ticker := time.NewTicker(m.JobPollInterval)
	defer ticker.Stop()

	announced := false
	for {
		job, err := m.printer.Job(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return printer.JobInfo{}, ctx.Err()
			}
			m.logger.Warnw("failed to fetch job details, retrying", "error", err)
		case job.State == types.StatePrinting:
			m.logger.Infow("print job detected", "job", job.DisplayName)
			return job, nil
		case !announced:
			m.logger.Infow("waiting for a print job to start", "state", job.State)
			announced = true
		}

		select {
		case <-ctx.Done():
			return printer.JobInfo{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// logSamples appends a sample per poll interval until the job reaches a
// terminal state or ctx is cancelled
func (m *Monitor) logSamples(ctx context.Context, sess *Session, rec Recorder, w *sessionlog.Writer, logger *zap.SugaredLogger) error {
	ticker := time.NewTicker(m.cfg.Printer.PollInterval)
	defer ticker.Stop()

	recorderDone := rec.Done()
	logger.Info("starting active logging")

	for {
		s, err := m.printer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.metrics.PollFailed()
			logger.Warnw("failed to poll printer status", "error", err)
		} else {
			m.metrics.PollSucceeded()

			s.Elapsed = s.Time.Sub(rec.StartedAt())
			s.Session = sess.Name
			if err := w.Append(s); err != nil {
				return fmt.Errorf("failed to append to session log: %w", err)
			}
			m.metrics.SampleLogged()
			sess.Samples++

			if m.store != nil {
				if err := m.store.Store(ctx, s); err != nil && ctx.Err() == nil {
					logger.Warnw("failed to forward sample to storage", "error", err)
				}
			}

			m.setStatus(func(st *Status) {
				st.Samples = sess.Samples
				st.Last = s
			})
			logger.Debugw("logged sample", "elapsed", s.Elapsed, "state", s.State, "z", s.Z)

			if types.IsTerminalState(s.State) {
				logger.Infow("print job ended, stopping recording", "state", s.State)
				sess.EndState = s.State
				return nil
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("cancellation requested, stopping session")
			return nil
		case <-recorderDone:
			logger.Error("recorder exited before the print finished; continuing to log telemetry")
			recorderDone = nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) stopRecorder(rec Recorder, logger *zap.SugaredLogger) {
	err := rec.Stop(m.StopGrace)
	switch {
	case errors.Is(err, recorder.ErrKilled):
		logger.Warnw("recorder had to be killed; the video may not be finalized", "error", err)
	case err != nil:
		logger.Errorw("recorder exited with an error", "error", err)
	}
}

func (m *Monitor) setStatus(update func(s *Status)) {
	m.mu.Lock()
	update(&m.status)
	state := m.status.State
	m.mu.Unlock()
	m.metrics.SetMonitorState(state)
}

// statusSource polls the printer for the detector, counting polls and
// publishing the per-condition breakdown while waiting
type statusSource struct {
	m *Monitor
}

func (src *statusSource) Poll(ctx context.Context) (types.Sample, error) {
	s, err := src.m.printer.Poll(ctx)
	if err != nil {
		src.m.metrics.PollFailed()
		return s, err
	}
	src.m.metrics.PollSucceeded()

	c := detector.Check(s, detector.ThresholdsFromConfig(src.m.cfg.Capture))
	src.m.setStatus(func(st *Status) {
		st.Last = s
		st.Conditions = &c
	})
	return s, nil
}
