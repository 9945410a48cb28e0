// Package extract pulls single still frames out of a session recording and
// assembles the chosen frames into the final timelapse. Both are thin wrappers
// around an external ffmpeg binary.
package extract

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chrissnell/layerlapse/internal/types"
)

// Extractor produces one image file from the recording at the given offset.
// Results may differ between calls on a damaged stream.
type Extractor interface {
	Extract(ctx context.Context, at time.Duration, outPath string) (types.ExtractedFrame, error)
}

// Error is an extraction that produced no usable image file
type Error struct {
	At     time.Duration
	Path   string
	Output string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("frame extraction at %s into %s failed: %v", e.At, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CommandRunner runs an external program and returns its combined output
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// Run implements CommandRunner
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CheckFFmpeg verifies that the ffmpeg binary can be executed
func CheckFFmpeg(ctx context.Context, runner CommandRunner, cmd string) (string, error) {
	out, err := runner.Run(ctx, cmd, "-version")
	if err != nil {
		return "", fmt.Errorf("%s not found or not executable: %w", cmd, err)
	}
	version, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(version), nil
}

// lastLines keeps the tail of noisy ffmpeg output for error reports
func lastLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
