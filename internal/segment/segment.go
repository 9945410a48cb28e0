// Package segment turns an ordered telemetry log into the list of layers of a
// print, one per stable Z-height plateau.
package segment

import (
	"math"
	"time"

	"github.com/chrissnell/layerlapse/internal/types"
	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
)

// Segmenter groups samples into runs of equal rounded Z and accepts the runs
// that form a monotonically rising sequence of layers.
type Segmenter struct {
	cfg    config.LayerData
	logger *zap.SugaredLogger
}

// run is a maximal contiguous sequence of samples sharing one rounded height,
// keyed in hundredths of a millimetre.
type run struct {
	centi      int64
	timestamps []time.Duration
}

// New creates a Segmenter from the layer configuration
func New(cfg config.LayerData, logger *zap.SugaredLogger) *Segmenter {
	return &Segmenter{
		cfg:    cfg,
		logger: logger.Named("segment"),
	}
}

// Segment returns the accepted layers of samples in time order. Samples are
// consumed in the order given and never re-sorted. An empty result is valid.
func (s *Segmenter) Segment(samples []types.Sample) []types.Layer {
	runs := groupRuns(samples)

	minDelta, maxDelta := s.cfg.DeltaBand()
	// A run at the previous layer's height is never a new layer
	minDelta = max(minDelta, 1)

	var layers []types.Layer
	var prev int64 // the bed surface is the baseline for the first layer

	for _, r := range runs {
		if len(r.timestamps) < s.cfg.MinStabilityCount {
			continue
		}

		delta := r.centi - prev
		if delta < minDelta || delta > maxDelta {
			s.logger.Debugw("rejecting run",
				"z", fromCenti(r.centi),
				"previous_z", fromCenti(prev),
				"samples", len(r.timestamps))
			continue
		}

		layers = append(layers, types.Layer{
			Index:      len(layers),
			Z:          fromCenti(r.centi),
			Capture:    r.timestamps[0],
			Candidates: r.timestamps,
		})
		prev = r.centi
	}

	s.logger.Infow("segmented print log",
		"samples", len(samples),
		"runs", len(runs),
		"layers", len(layers))

	return layers
}

func groupRuns(samples []types.Sample) []run {
	var runs []run
	for _, sample := range samples {
		c := toCenti(sample.Z)
		if n := len(runs); n > 0 && runs[n-1].centi == c {
			runs[n-1].timestamps = append(runs[n-1].timestamps, sample.Elapsed)
			continue
		}
		runs = append(runs, run{centi: c, timestamps: []time.Duration{sample.Elapsed}})
	}
	return runs
}

// RoundZ rounds a height to the 0.01 mm resolution used for grouping
func RoundZ(z float64) float64 {
	return fromCenti(toCenti(z))
}

func toCenti(mm float64) int64 {
	return int64(math.Round(mm * 100))
}

func fromCenti(c int64) float64 {
	return float64(c) / 100
}
