// Package detector decides, one telemetry sample at a time, the instant a print
// has really begun and recording should start.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chrissnell/layerlapse/internal/constants"
	"github.com/chrissnell/layerlapse/internal/types"
	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
)

// ErrJobEnded is returned by Wait when the printer reports a terminal job
// state before the start conditions were ever met.
var ErrJobEnded = errors.New("print job ended before start conditions were met")

// Thresholds are the configurable parts of the start check. The nozzle target
// floor and the temperature tolerance are fixed.
type Thresholds struct {
	RequiredZCapturePos float64
	RequiredBedTemp     float64
}

// ThresholdsFromConfig extracts the start thresholds from the capture config
func ThresholdsFromConfig(c config.CaptureData) Thresholds {
	return Thresholds{
		RequiredZCapturePos: c.RequiredZCapturePos,
		RequiredBedTemp:     c.RequiredBedTemp,
	}
}

// Conditions is the per-condition breakdown of one start check
type Conditions struct {
	ZOK      bool
	BedOK    bool
	NozzleOK bool
	TargetOK bool
	JobOK    bool
}

// All reports whether every condition holds
func (c Conditions) All() bool {
	return c.ZOK && c.BedOK && c.NozzleOK && c.TargetOK && c.JobOK
}

// Check evaluates every start condition against a single sample. It has no
// memory of earlier samples.
func Check(s types.Sample, t Thresholds) Conditions {
	return Conditions{
		ZOK:      s.Z <= t.RequiredZCapturePos,
		BedOK:    s.BedTemp >= s.BedTarget-constants.StartTolerance && s.BedTemp >= t.RequiredBedTemp,
		NozzleOK: s.NozzleTemp >= s.NozzleTarget-constants.StartTolerance,
		TargetOK: s.NozzleTarget >= constants.MinPrintNozzleTarget,
		JobOK:    s.JobActive,
	}
}

// Ready reports whether a sample satisfies the full start conjunction
func Ready(s types.Sample, t Thresholds) bool {
	return Check(s, t).All()
}

// State is the detector lifecycle state
type State int

const (
	Waiting State = iota
	Started
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Started:
		return "started"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SampleSource produces telemetry samples on demand
type SampleSource interface {
	Poll(ctx context.Context) (types.Sample, error)
}

// Detector fires once per session, on the first sample that satisfies the
// start conjunction. Started is terminal.
type Detector struct {
	thresholds Thresholds
	logger     *zap.SugaredLogger

	mu      sync.RWMutex
	state   State
	trigger types.Sample
	last    types.Sample
}

// New creates a detector in the Waiting state
func New(t Thresholds, logger *zap.SugaredLogger) *Detector {
	return &Detector{
		thresholds: t,
		logger:     logger.Named("detector"),
		state:      Waiting,
	}
}

// Observe feeds one sample to the detector. It returns true only for the sample
// that moves the detector from Waiting to Started.
func (d *Detector) Observe(s types.Sample) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.last = s
	if d.state == Started {
		return false
	}

	if !Ready(s, d.thresholds) {
		return false
	}

	d.state = Started
	d.trigger = s
	return true
}

// State returns the current detector state
func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Trigger returns the sample that fired the detector, if it has fired
func (d *Detector) Trigger() (types.Sample, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trigger, d.state == Started
}

// Last returns the most recently observed sample
func (d *Detector) Last() types.Sample {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// Wait polls src every interval until the start conditions hold and returns
// the triggering sample. Poll errors are logged and retried on the next tick.
// It returns ErrJobEnded if the job finishes first, or the context error if
// ctx is cancelled.
func (d *Detector) Wait(ctx context.Context, src SampleSource, interval time.Duration) (types.Sample, error) {
	d.logger.Infow("waiting for print start conditions",
		"max_z", d.thresholds.RequiredZCapturePos,
		"min_bed_temp", d.thresholds.RequiredBedTemp,
		"min_nozzle_target", constants.MinPrintNozzleTarget)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sample, err := src.Poll(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return types.Sample{}, ctx.Err()
			}
			d.logger.Warnw("failed to poll printer status, retrying", "error", err)
		case types.IsTerminalState(sample.State):
			d.logger.Infow("print ended before it started", "state", sample.State)
			return types.Sample{}, ErrJobEnded
		case d.Observe(sample):
			d.logger.Infow("print start conditions met",
				"z", sample.Z,
				"bed_temp", sample.BedTemp,
				"nozzle_temp", sample.NozzleTemp)
			return sample, nil
		default:
			c := Check(sample, d.thresholds)
			d.logger.Debugw("start conditions not met",
				"z", sample.Z, "z_ok", c.ZOK,
				"bed_temp", sample.BedTemp, "bed_ok", c.BedOK,
				"nozzle_temp", sample.NozzleTemp, "nozzle_ok", c.NozzleOK,
				"nozzle_target", sample.NozzleTarget, "target_ok", c.TargetOK,
				"job_active", c.JobOK)
		}

		select {
		case <-ctx.Done():
			return types.Sample{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
