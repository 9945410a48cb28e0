package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/chrissnell/layerlapse/internal/types"
	"go.uber.org/zap"
)

// FFmpeg extracts frames from one recording by seeking with ffmpeg
type FFmpeg struct {
	cmd    string
	video  string
	runner CommandRunner
	logger *zap.SugaredLogger
}

// NewFFmpeg creates an extractor for the given recording
func NewFFmpeg(cmd, video string, runner CommandRunner, logger *zap.SugaredLogger) *FFmpeg {
	return &FFmpeg{
		cmd:    cmd,
		video:  video,
		runner: runner,
		logger: logger.Named("extract"),
	}
}

// Extract writes the frame at offset at to outPath and reports its size.
// On failure the returned frame carries the same *Error that is returned.
func (f *FFmpeg) Extract(ctx context.Context, at time.Duration, outPath string) (types.ExtractedFrame, error) {
	frame := types.ExtractedFrame{Source: at}

	out, err := f.runner.Run(ctx, f.cmd, f.args(at, outPath)...)
	if err != nil {
		return f.fail(frame, &Error{At: at, Path: outPath, Output: lastLines(out, 5), Err: err})
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return f.fail(frame, &Error{At: at, Path: outPath, Output: lastLines(out, 5), Err: fmt.Errorf("no output written: %w", err)})
	}
	if info.IsDir() {
		return f.fail(frame, &Error{At: at, Path: outPath, Err: errors.New("output path is a directory")})
	}

	frame.Path = outPath
	frame.Size = info.Size()
	f.logger.Debugw("extracted frame", "at", at, "path", outPath, "size", frame.Size)
	return frame, nil
}

func (f *FFmpeg) args(at time.Duration, outPath string) []string {
	return []string{
		"-y",
		"-ss", strconv.FormatFloat(at.Seconds(), 'f', 3, 64),
		"-i", f.video,
		"-an",
		"-vframes", "1",
		"-q:v", "1",
		outPath,
	}
}

func (f *FFmpeg) fail(frame types.ExtractedFrame, e *Error) (types.ExtractedFrame, error) {
	// A stale file from an earlier run must not be mistaken for this attempt's output
	if rmErr := os.Remove(e.Path); rmErr != nil && !os.IsNotExist(rmErr) {
		f.logger.Warnw("failed to remove partial frame", "path", e.Path, "error", rmErr)
	}
	f.logger.Debugw("frame extraction failed", "at", e.At, "error", e.Err, "output", e.Output)
	frame.Err = e
	return frame, e
}
