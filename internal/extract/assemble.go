package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chrissnell/layerlapse/internal/constants"
	"go.uber.org/zap"
)

// ErrNoFrames is returned when there is nothing to assemble
var ErrNoFrames = errors.New("no frames to assemble")

// Assembler stitches numbered frames into the timelapse video
type Assembler struct {
	cmd       string
	framerate int
	runner    CommandRunner
	logger    *zap.SugaredLogger
}

// NewAssembler creates an Assembler that encodes at framerate frames per second
func NewAssembler(cmd string, framerate int, runner CommandRunner, logger *zap.SugaredLogger) *Assembler {
	return &Assembler{
		cmd:       cmd,
		framerate: framerate,
		runner:    runner,
		logger:    logger.Named("assemble"),
	}
}

// Stage moves frames into dir under contiguous frame_Z_%06d.png names,
// numbered from 1 in the order given, and returns the new paths. The input
// order is the output order.
func (a *Assembler) Stage(frames []string, dir string) ([]string, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}

	staged := make([]string, len(frames))
	for i, src := range frames {
		dst := filepath.Join(dir, fmt.Sprintf(constants.FramePattern, i+1))
		if src != dst {
			if err := os.Rename(src, dst); err != nil {
				return nil, fmt.Errorf("failed to stage frame %s: %w", src, err)
			}
		}
		staged[i] = dst
	}

	a.logger.Debugw("staged frames", "dir", dir, "count", len(staged))
	return staged, nil
}

// Assemble encodes the staged frames in dir into output, holding the last
// frame for a few seconds.
func (a *Assembler) Assemble(ctx context.Context, dir, output string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "frame_Z_*.png"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return ErrNoFrames
	}

	a.logger.Infow("assembling timelapse", "frames", len(matches), "framerate", a.framerate, "output", output)

	out, err := a.runner.Run(ctx, a.cmd, a.args(dir, output)...)
	if err != nil {
		return fmt.Errorf("timelapse assembly failed: %w\n%s", err, lastLines(out, 10))
	}
	return nil
}

func (a *Assembler) args(dir, output string) []string {
	return []string{
		"-y",
		"-framerate", strconv.Itoa(a.framerate),
		"-i", filepath.Join(dir, constants.FramePattern),
		"-vf", fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%d", constants.HoldLastFrameSeconds),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		output,
	}
}
