// Package printer reads telemetry from a 3D printer. Two transports are
// supported: the PrusaLink-style HTTP API and a Marlin printer on a serial
// port.
package printer

import (
	"context"
	"fmt"
	"strings"

	"github.com/chrissnell/layerlapse/internal/types"
	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
)

// JobInfo describes the print job the printer is currently working on
type JobInfo struct {
	State       string
	DisplayName string
}

// Printer is a telemetry source. Poll returns a fresh sample on each call and
// Job reports the current job state.
type Printer interface {
	Poll(ctx context.Context) (types.Sample, error)
	Job(ctx context.Context) (JobInfo, error)
	Close() error
}

// New creates the Printer selected by cfg.Printer.Type
func New(cfg *config.ConfigData, logger *zap.SugaredLogger) (Printer, error) {
	switch cfg.Printer.Type {
	case config.PrinterTypePrusaLink:
		return NewPrusaLink(cfg.Printer, cfg.Capture, logger)
	case config.PrinterTypeMarlin:
		return NewMarlin(cfg.Printer, cfg.Capture, logger)
	default:
		return nil, fmt.Errorf("unsupported printer type: %s", cfg.Printer.Type)
	}
}

// applyTargetDefaults fills in configured targets when the printer reports
// none. A printer that has not set a target yet reports zero.
func applyTargetDefaults(s *types.Sample, capture config.CaptureData) {
	if s.BedTarget <= 0 {
		s.BedTarget = capture.RequiredBedTemp
	}
	if s.NozzleTarget <= 0 {
		s.NozzleTarget = capture.RequiredNozzleTemp
	}
}

func normalizeState(state string) string {
	state = strings.ToUpper(strings.TrimSpace(state))
	if state == "" {
		return "UNKNOWN"
	}
	return state
}
