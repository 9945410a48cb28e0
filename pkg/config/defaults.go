package config

import (
	"fmt"
	"math"
	"time"
)

// Printer source types
const (
	PrinterTypePrusaLink = "prusalink"
	PrinterTypeMarlin    = "marlin"
)

// ApplyDefaults fills in every unset value with the documented default
func (c *ConfigData) ApplyDefaults() {
	if c.Printer.Type == "" {
		c.Printer.Type = PrinterTypePrusaLink
	}
	if c.Printer.Baud == 0 {
		c.Printer.Baud = 115200
	}
	if c.Printer.PollInterval == 0 {
		c.Printer.PollInterval = time.Second
	}

	if c.Capture.RequiredZCapturePos == 0 {
		c.Capture.RequiredZCapturePos = 10.0
	}
	if c.Capture.RequiredBedTemp == 0 {
		c.Capture.RequiredBedTemp = 50.0
	}
	if c.Capture.RequiredNozzleTemp == 0 {
		c.Capture.RequiredNozzleTemp = 220.0
	}

	if c.Layers.MinZChangeMM == 0 {
		c.Layers.MinZChangeMM = 0.05
	}
	if c.Layers.MinStabilityCount == 0 {
		c.Layers.MinStabilityCount = 3
	}
	if c.Layers.MaxLayerHeightMM == 0 {
		c.Layers.MaxLayerHeightMM = 1.0
	}

	if c.Frames.CorruptionSizeThresholdRatio == 0 {
		c.Frames.CorruptionSizeThresholdRatio = 0.88
	}
	if c.Frames.ExtractionWorkers == 0 {
		c.Frames.ExtractionWorkers = 4
	}

	if c.FFmpeg.Cmd == "" {
		c.FFmpeg.Cmd = "ffmpeg"
	}
	if c.FFmpeg.TimelapseFramerate == 0 {
		c.FFmpeg.TimelapseFramerate = 30
	}
	if c.FFmpeg.RTSPTransport == "" {
		c.FFmpeg.RTSPTransport = "tcp"
	}
	if c.FFmpeg.StreamTimeout == 0 {
		c.FFmpeg.StreamTimeout = 10 * time.Second
	}
	if c.FFmpeg.Reconnect.MaxRetries == 0 {
		c.FFmpeg.Reconnect.MaxRetries = 5
	}
	if c.FFmpeg.Reconnect.RetryDelay == 0 {
		c.FFmpeg.Reconnect.RetryDelay = time.Second
	}
	if c.FFmpeg.Reconnect.MaxRetryDelay == 0 {
		c.FFmpeg.Reconnect.MaxRetryDelay = 30 * time.Second
	}

	if c.SessionsDir == "" {
		c.SessionsDir = "."
	}

	if c.Controllers.RESTServer != nil {
		if c.Controllers.RESTServer.ListenAddr == "" {
			c.Controllers.RESTServer.ListenAddr = "0.0.0.0"
		}
		if c.Controllers.RESTServer.Port == 0 {
			c.Controllers.RESTServer.Port = 8080
		}
	}
	if c.Controllers.GRPCHealth != nil {
		if c.Controllers.GRPCHealth.ListenAddr == "" {
			c.Controllers.GRPCHealth.ListenAddr = "0.0.0.0"
		}
		if c.Controllers.GRPCHealth.Port == 0 {
			c.Controllers.GRPCHealth.Port = 50051
		}
	}
}

// Validate checks the values that the analysis stages depend on. It does not
// check printer connectivity settings; the monitor does that when it starts.
func (c *ConfigData) Validate() error {
	if c.Layers.MinStabilityCount < 1 {
		return fmt.Errorf("layers.min-stability-count must be at least 1, got %d", c.Layers.MinStabilityCount)
	}
	if c.Layers.MinZChangeMM <= 0 {
		return fmt.Errorf("layers.min-z-change-mm must be positive, got %v", c.Layers.MinZChangeMM)
	}
	if c.Layers.MaxLayerHeightMM < c.Layers.MinZChangeMM {
		return fmt.Errorf("layers.max-layer-height-mm (%v) is below layers.min-z-change-mm (%v)",
			c.Layers.MaxLayerHeightMM, c.Layers.MinZChangeMM)
	}
	if lo, hi := c.Layers.DeltaBand(); lo < 1 || hi < lo {
		return fmt.Errorf("layers.min-z-change-mm (%v) and layers.max-layer-height-mm (%v) must span at least one 0.01 mm step",
			c.Layers.MinZChangeMM, c.Layers.MaxLayerHeightMM)
	}
	if r := c.Frames.CorruptionSizeThresholdRatio; r <= 0 || r > 1 {
		return fmt.Errorf("frames.corruption-size-threshold-ratio must be in (0, 1], got %v", r)
	}
	if c.Frames.ExtractionWorkers < 1 {
		return fmt.Errorf("frames.extraction-workers must be at least 1, got %d", c.Frames.ExtractionWorkers)
	}
	if c.FFmpeg.TimelapseFramerate < 1 {
		return fmt.Errorf("ffmpeg.timelapse-framerate must be at least 1, got %d", c.FFmpeg.TimelapseFramerate)
	}
	switch c.Printer.Type {
	case PrinterTypePrusaLink, PrinterTypeMarlin:
	default:
		return fmt.Errorf("unsupported printer type: %s. Use '%s' or '%s'", c.Printer.Type, PrinterTypePrusaLink, PrinterTypeMarlin)
	}
	return nil
}

// bandEpsilon absorbs binary representation error, so 0.3 mm converts to
// exactly 30 hundredths
const bandEpsilon = 1e-9

// DeltaBand returns the accepted layer-to-layer height change in hundredths
// of a millimetre, the resolution Z readings are rounded to. The bounds are
// rounded inward so that every accepted delta lies inside
// [MinZChangeMM, MaxLayerHeightMM].
func (l LayerData) DeltaBand() (lo, hi int64) {
	lo = int64(math.Ceil(l.MinZChangeMM*100 - bandEpsilon))
	hi = int64(math.Floor(l.MaxLayerHeightMM*100 + bandEpsilon))
	return lo, hi
}

// finalize applies defaults and validates; every provider calls it before
// handing out a ConfigData
func finalize(c *ConfigData) (*ConfigData, error) {
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
