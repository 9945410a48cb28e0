// Package postprocess turns a finished session directory into a layer-accurate
// timelapse: it segments the telemetry log into layers, extracts and repairs one
// frame per layer, records the outcome in the session manifest and encodes the
// chosen frames.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chrissnell/layerlapse/internal/constants"
	"github.com/chrissnell/layerlapse/internal/extract"
	"github.com/chrissnell/layerlapse/internal/manifest"
	"github.com/chrissnell/layerlapse/internal/metrics"
	"github.com/chrissnell/layerlapse/internal/repair"
	"github.com/chrissnell/layerlapse/internal/segment"
	"github.com/chrissnell/layerlapse/internal/sessionlog"
	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
)

var (
	// ErrEmptyLog is returned when the session log holds no samples
	ErrEmptyLog = errors.New("session log contains no samples")
	// ErrNoLayers is returned when segmentation finds no layer in the log
	ErrNoLayers = errors.New("no layers detected in session log")
)

// Report summarizes one completed run
type Report struct {
	RunID      string
	Session    string
	Output     string
	Layers     int
	Frames     int
	MedianSize float64
	Statuses   map[repair.Status]int
}

// Pipeline runs the offline stage against session directories
type Pipeline struct {
	cfg     *config.ConfigData
	runner  extract.CommandRunner
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

// New creates a Pipeline that runs ffmpeg through runner
func New(cfg *config.ConfigData, runner extract.CommandRunner, m *metrics.Metrics, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		runner:  runner,
		metrics: m,
		logger:  logger.Named("postprocess"),
	}
}

// OutputName returns the timelapse file name for a session directory
func OutputName(sessionDir string) string {
	base := filepath.Base(filepath.Clean(sessionDir))
	return strings.ReplaceAll(base, ".", "_") + constants.TimelapseSuffix
}

// Run processes sessionDir end to end and returns a summary of the result.
// Any earlier extracted_frames directory is replaced.
func (p *Pipeline) Run(ctx context.Context, sessionDir string) (*Report, error) {
	session := filepath.Base(filepath.Clean(sessionDir))
	logger := p.logger.With("session", session)

	video := filepath.Join(sessionDir, constants.RecordingFile)
	if _, err := os.Stat(video); err != nil {
		return nil, fmt.Errorf("session recording not found: %w", err)
	}

	samples, err := sessionlog.ReadFile(filepath.Join(sessionDir, constants.LogFile), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	if len(samples) == 0 {
		return nil, ErrEmptyLog
	}

	layers := segment.New(p.cfg.Layers, logger).Segment(samples)
	if len(layers) == 0 {
		return nil, ErrNoLayers
	}
	logger.Infow("segmented session log", "samples", len(samples), "layers", len(layers))

	version, err := extract.CheckFFmpeg(ctx, p.runner, p.cfg.FFmpeg.Cmd)
	if err != nil {
		return nil, err
	}
	logger.Debugw("using ffmpeg", "version", version)

	frameDir := filepath.Join(sessionDir, constants.FrameDir)
	if err := os.RemoveAll(frameDir); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", frameDir, err)
	}
	if err := os.MkdirAll(frameDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", frameDir, err)
	}

	ex := extract.NewFFmpeg(p.cfg.FFmpeg.Cmd, video, p.runner, logger)
	result, err := repair.New(ex, p.cfg.Frames, frameDir, p.metrics, logger).Run(ctx, layers)
	if err != nil {
		return nil, err
	}

	var frames []string
	var framed []int
	for i, res := range result.Resolutions {
		if res.HasFrame() {
			frames = append(frames, res.Frame.Path)
			framed = append(framed, i)
		}
	}

	assembler := extract.NewAssembler(p.cfg.FFmpeg.Cmd, p.cfg.FFmpeg.TimelapseFramerate, p.runner, logger)
	staged, err := assembler.Stage(frames, frameDir)
	if err != nil {
		return nil, err
	}
	for n, i := range framed {
		result.Resolutions[i].Frame.Path = staged[n]
	}

	m, err := manifest.Open(filepath.Join(sessionDir, constants.ManifestFile))
	if err != nil {
		return nil, err
	}
	defer m.Close()

	run := manifest.NewRun(session, result)
	if err := m.Write(ctx, run, manifest.Entries(result.Resolutions)); err != nil {
		return nil, err
	}

	output := filepath.Join(sessionDir, OutputName(sessionDir))
	if err := assembler.Assemble(ctx, frameDir, output); err != nil {
		return nil, err
	}
	if err := m.SetOutput(ctx, run.ID, output); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:      run.ID,
		Session:    session,
		Output:     output,
		Layers:     len(layers),
		Frames:     len(staged),
		MedianSize: result.MedianSize,
		Statuses:   make(map[repair.Status]int),
	}
	for _, res := range result.Resolutions {
		report.Statuses[res.Status]++
	}

	logger.Infow("timelapse complete",
		"output", output,
		"layers", report.Layers,
		"frames", report.Frames,
		"repaired", report.Statuses[repair.StatusRepaired],
		"unrecoverable", report.Statuses[repair.StatusUnrecoverable],
		"missing", report.Statuses[repair.StatusMissing])
	return report, nil
}
