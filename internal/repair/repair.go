// Package repair extracts one frame per layer, flags frames that are much
// smaller than the session median as corrupt, and replaces them with frames
// taken at other timestamps of the same layer.
package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/chrissnell/layerlapse/internal/extract"
	"github.com/chrissnell/layerlapse/internal/metrics"
	"github.com/chrissnell/layerlapse/internal/types"
	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoValidFrames is returned when not a single layer produced a frame, so
// there is no median to judge corruption against.
var ErrNoValidFrames = errors.New("no valid frames extracted; cannot compute median frame size")

// Status is the outcome of resolving one layer
type Status string

const (
	// StatusOK means the capture frame was fine
	StatusOK Status = "ok"
	// StatusRepaired means a later candidate replaced a corrupt or failed capture
	StatusRepaired Status = "repaired"
	// StatusUnrecoverable means every candidate was corrupt; the largest is kept
	StatusUnrecoverable Status = "unrecoverable"
	// StatusMissing means no candidate produced an image at all
	StatusMissing Status = "missing"
)

// Resolution is the frame chosen for one layer
type Resolution struct {
	Layer    types.Layer
	Frame    types.ExtractedFrame
	Status   Status
	Attempts int
}

// HasFrame reports whether the layer ends up with an image
func (r Resolution) HasFrame() bool {
	return r.Status != StatusMissing
}

// Result is the output of a full repair run
type Result struct {
	Resolutions []Resolution
	MedianSize  float64
	Threshold   float64
}

// Median returns the median of values, averaging the two middle values when
// the count is even. values is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return stat.Mean(sorted[mid-1:mid+1], nil)
}

// IsCorrupt reports whether a frame of size bytes falls below ratio * median
func IsCorrupt(size int64, median, ratio float64) bool {
	return float64(size) < ratio*median
}

// Repairer runs the extract, judge and repair stages over a set of layers
type Repairer struct {
	extractor extract.Extractor
	ratio     float64
	workers   int
	dir       string
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
}

// New creates a Repairer that writes attempt files into dir
func New(ex extract.Extractor, cfg config.FrameData, dir string, m *metrics.Metrics, logger *zap.SugaredLogger) *Repairer {
	workers := cfg.ExtractionWorkers
	if workers < 1 {
		workers = 1
	}
	return &Repairer{
		extractor: ex,
		ratio:     cfg.CorruptionSizeThresholdRatio,
		workers:   workers,
		dir:       dir,
		metrics:   m,
		logger:    logger.Named("repair"),
	}
}

// Run extracts the capture frame of every layer, computes the median size once
// all of them are done, then repairs the corrupt ones. Resolutions are returned
// in layer order.
func (r *Repairer) Run(ctx context.Context, layers []types.Layer) (*Result, error) {
	initial, err := r.extractInitial(ctx, layers)
	if err != nil {
		return nil, err
	}

	var sizes []float64
	for _, f := range initial {
		if f.Produced() {
			sizes = append(sizes, float64(f.Size))
		}
	}
	if len(sizes) == 0 {
		return nil, ErrNoValidFrames
	}

	median := Median(sizes)
	threshold := r.ratio * median
	r.metrics.SetMedianFrameSize(median)
	r.logger.Infow("initial extraction complete",
		"layers", len(layers),
		"produced", len(sizes),
		"median_size", median,
		"threshold", threshold)

	resolutions := make([]Resolution, len(layers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i := range layers {
		layer := layers[i]
		first := initial[i]

		if first.Produced() && !IsCorrupt(first.Size, median, r.ratio) {
			resolutions[i] = Resolution{Layer: layer, Frame: first, Status: StatusOK, Attempts: 1}
			continue
		}

		g.Go(func() error {
			res, err := r.repairLayer(gctx, layer, first, threshold)
			if err != nil {
				return err
			}
			resolutions[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, res := range resolutions {
		r.metrics.LayerResolved(string(res.Status))
		switch res.Status {
		case StatusRepaired:
			r.logger.Infow("repaired layer", "layer", res.Layer.Index, "z", res.Layer.Z,
				"source", res.Frame.Source, "size", res.Frame.Size, "attempts", res.Attempts)
		case StatusUnrecoverable:
			r.logger.Warnw("layer unrecoverable, keeping largest frame", "layer", res.Layer.Index,
				"z", res.Layer.Z, "size", res.Frame.Size, "attempts", res.Attempts)
		case StatusMissing:
			r.logger.Warnw("layer has no frame", "layer", res.Layer.Index, "z", res.Layer.Z,
				"attempts", res.Attempts)
		}
	}

	return &Result{
		Resolutions: resolutions,
		MedianSize:  median,
		Threshold:   threshold,
	}, nil
}

func (r *Repairer) extractInitial(ctx context.Context, layers []types.Layer) ([]types.ExtractedFrame, error) {
	frames := make([]types.ExtractedFrame, len(layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i := range layers {
		g.Go(func() error {
			f, err := r.attempt(gctx, layers[i], layers[i].Capture, 0)
			if err != nil {
				return err
			}
			frames[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frames, nil
}

// attempt runs one extraction. Extraction failures are recorded on the frame;
// only cancellation is returned as an error.
func (r *Repairer) attempt(ctx context.Context, layer types.Layer, at time.Duration, n int) (types.ExtractedFrame, error) {
	start := time.Now()
	f, err := r.extractor.Extract(ctx, at, r.attemptPath(layer.Index, n))
	r.metrics.ObserveExtraction(err == nil, time.Since(start).Seconds())

	if ctx.Err() != nil {
		return types.ExtractedFrame{}, ctx.Err()
	}
	f.LayerIndex = layer.Index
	f.Source = at
	if err != nil {
		f.Err = err
		f.Path = ""
		r.logger.Debugw("extraction failed", "layer", layer.Index, "at", at, "error", err)
	}
	return f, nil
}

func (r *Repairer) attemptPath(layer, n int) string {
	return filepath.Join(r.dir, fmt.Sprintf("layer_%06d_try_%02d.png", layer, n))
}

// repairLayer walks the layer's candidates after the capture timestamp until
// one clears threshold. The frames that lose are removed from disk.
func (r *Repairer) repairLayer(ctx context.Context, layer types.Layer, first types.ExtractedFrame, threshold float64) (Resolution, error) {
	var produced []types.ExtractedFrame
	if first.Produced() {
		produced = append(produced, first)
	}
	attempts := 1

	for _, ts := range layer.Candidates {
		if ts == first.Source {
			continue
		}
		f, err := r.attempt(ctx, layer, ts, attempts)
		if err != nil {
			return Resolution{}, err
		}
		attempts++
		if !f.Produced() {
			continue
		}
		if float64(f.Size) >= threshold {
			r.discard(produced...)
			return Resolution{Layer: layer, Frame: f, Status: StatusRepaired, Attempts: attempts}, nil
		}
		produced = append(produced, f)
	}

	if len(produced) == 0 {
		return Resolution{Layer: layer, Status: StatusMissing, Attempts: attempts}, nil
	}

	sizes := make([]float64, len(produced))
	for i, f := range produced {
		sizes[i] = float64(f.Size)
	}
	best := floats.MaxIdx(sizes)
	for i, f := range produced {
		if i != best {
			r.discard(f)
		}
	}

	return Resolution{Layer: layer, Frame: produced[best], Status: StatusUnrecoverable, Attempts: attempts}, nil
}

// discard removes frames that lost to a better attempt
func (r *Repairer) discard(frames ...types.ExtractedFrame) {
	for _, f := range frames {
		if f.Path == "" {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			r.logger.Debugw("failed to remove discarded frame", "path", f.Path, "error", err)
		}
	}
}
