package config

import (
	"time"
)

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration, with defaults applied and validated
	LoadConfig() (*ConfigData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData represents the complete configuration structure. It is built once
// by a provider and handed by value to every component constructor.
type ConfigData struct {
	Printer     PrinterData    `json:"printer"`
	Capture     CaptureData    `json:"capture"`
	Layers      LayerData      `json:"layers"`
	Frames      FrameData      `json:"frames"`
	FFmpeg      FFmpegData     `json:"ffmpeg"`
	Storage     StorageData    `json:"storage,omitempty"`
	Controllers ControllerData `json:"controllers,omitempty"`
	// SessionsDir is the parent directory of every session directory
	SessionsDir string `json:"sessions_dir"`
	LogFile     string `json:"log_file,omitempty"`
}

// PrinterData holds the connection details for the printer telemetry source
type PrinterData struct {
	Type         string        `json:"type"` // "prusalink" or "marlin"
	APIURL       string        `json:"api_url,omitempty"`
	JobAPIURL    string        `json:"job_api_url,omitempty"`
	APIKey       string        `json:"api_key,omitempty"`
	SerialDevice string        `json:"serial_device,omitempty"`
	Baud         int           `json:"baud,omitempty"`
	PollInterval time.Duration `json:"poll_interval"`
}

// CaptureData holds the print-start thresholds
type CaptureData struct {
	RequiredZCapturePos float64 `json:"required_z_capture_pos"`
	RequiredBedTemp     float64 `json:"required_bed_temp"`
	// RequiredNozzleTemp substitutes for the nozzle target when the printer
	// does not report one
	RequiredNozzleTemp float64 `json:"required_nozzle_temp"`
}

// LayerData holds the layer segmentation thresholds
type LayerData struct {
	MinZChangeMM      float64 `json:"min_z_change_mm"`
	MinStabilityCount int     `json:"min_stability_count"`
	MaxLayerHeightMM  float64 `json:"max_layer_height_mm"`
}

// FrameData holds the corruption detection settings
type FrameData struct {
	CorruptionSizeThresholdRatio float64 `json:"corruption_size_threshold_ratio"`
	ExtractionWorkers            int     `json:"extraction_workers"`
}

// FFmpegData holds the external encoder settings
type FFmpegData struct {
	Cmd                string        `json:"cmd"`
	TimelapseFramerate int           `json:"timelapse_framerate"`
	RTSPStreamURL      string        `json:"rtsp_stream_url,omitempty"`
	RTSPTransport      string        `json:"rtsp_transport"`
	StreamTimeout      time.Duration `json:"stream_timeout"`
	Reconnect          ReconnectData `json:"reconnect"`
}

// ReconnectData exposes the parameters an external reconnect layer needs.
// Nothing in this module retries the stream on its own.
type ReconnectData struct {
	MaxRetries    int           `json:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay"`
	MaxRetryDelay time.Duration `json:"max_retry_delay"`
}

// StorageData holds the configuration for optional sample storage backends
type StorageData struct {
	TimescaleDB *TimescaleDBData `json:"timescaledb,omitempty"`
}

type TimescaleDBData struct {
	ConnectionString string `json:"connection_string"`
}

// ControllerData holds the configuration for the optional network controllers
type ControllerData struct {
	RESTServer *RESTServerData `json:"rest,omitempty"`
	GRPCHealth *GRPCHealthData `json:"grpc_health,omitempty"`
}

type RESTServerData struct {
	ListenAddr string `json:"listen_addr,omitempty"`
	Port       int    `json:"port,omitempty"`
}

type GRPCHealthData struct {
	ListenAddr string `json:"listen_addr,omitempty"`
	Port       int    `json:"port,omitempty"`
}
