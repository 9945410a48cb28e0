package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// YAMLProvider implements ConfigProvider for YAML configuration files
type YAMLProvider struct {
	filename string
	config   *ConfigData
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

// LoadConfig loads the complete configuration from YAML file
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	if y.config != nil {
		return y.config, nil
	}

	cfgFile, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, err
	}

	cfg, err := parseYAML(cfgFile)
	if err != nil {
		return nil, err
	}

	y.config = cfg
	return cfg, nil
}

// IsReadOnly returns true since YAML files are read-only through this interface
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for YAML provider
func (y *YAMLProvider) Close() error {
	return nil
}

func parseYAML(data []byte) (*ConfigData, error) {
	var yamlConfig ConfigYAML
	if err := yaml.Unmarshal(data, &yamlConfig); err != nil {
		return nil, err
	}

	// Convert to our internal format
	config := &ConfigData{
		Printer: PrinterData{
			Type:         yamlConfig.Printer.Type,
			APIURL:       yamlConfig.Printer.APIURL,
			JobAPIURL:    yamlConfig.Printer.JobAPIURL,
			APIKey:       yamlConfig.Printer.APIKey,
			SerialDevice: yamlConfig.Printer.SerialDevice,
			Baud:         yamlConfig.Printer.Baud,
		},
		Capture: CaptureData{
			RequiredZCapturePos: yamlConfig.Capture.RequiredZCapturePos,
			RequiredBedTemp:     yamlConfig.Capture.RequiredBedTemp,
			RequiredNozzleTemp:  yamlConfig.Capture.RequiredNozzleTemp,
		},
		Layers: LayerData{
			MinZChangeMM:      yamlConfig.Layers.MinZChangeMM,
			MinStabilityCount: yamlConfig.Layers.MinStabilityCount,
			MaxLayerHeightMM:  yamlConfig.Layers.MaxLayerHeightMM,
		},
		Frames: FrameData{
			CorruptionSizeThresholdRatio: yamlConfig.Frames.CorruptionSizeThresholdRatio,
			ExtractionWorkers:            yamlConfig.Frames.ExtractionWorkers,
		},
		FFmpeg: FFmpegData{
			Cmd:                yamlConfig.FFmpeg.Cmd,
			TimelapseFramerate: yamlConfig.FFmpeg.TimelapseFramerate,
			RTSPStreamURL:      yamlConfig.FFmpeg.RTSPStreamURL,
			RTSPTransport:      yamlConfig.FFmpeg.RTSPTransport,
			Reconnect: ReconnectData{
				MaxRetries: yamlConfig.FFmpeg.Reconnect.MaxRetries,
			},
		},
		SessionsDir: yamlConfig.SessionsDir,
		LogFile:     yamlConfig.LogFile,
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"printer.poll-interval", yamlConfig.Printer.PollInterval, &config.Printer.PollInterval},
		{"ffmpeg.stream-timeout", yamlConfig.FFmpeg.StreamTimeout, &config.FFmpeg.StreamTimeout},
		{"ffmpeg.reconnect.retry-delay", yamlConfig.FFmpeg.Reconnect.RetryDelay, &config.FFmpeg.Reconnect.RetryDelay},
		{"ffmpeg.reconnect.max-retry-delay", yamlConfig.FFmpeg.Reconnect.MaxRetryDelay, &config.FFmpeg.Reconnect.MaxRetryDelay},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	// Convert storage
	if yamlConfig.Storage.TimescaleDB != nil {
		config.Storage.TimescaleDB = &TimescaleDBData{
			ConnectionString: yamlConfig.Storage.TimescaleDB.ConnectionString,
		}
	}

	// Convert controllers
	if yamlConfig.Controllers.RESTServer != nil {
		config.Controllers.RESTServer = &RESTServerData{
			ListenAddr: yamlConfig.Controllers.RESTServer.ListenAddr,
			Port:       yamlConfig.Controllers.RESTServer.Port,
		}
	}
	if yamlConfig.Controllers.GRPCHealth != nil {
		config.Controllers.GRPCHealth = &GRPCHealthData{
			ListenAddr: yamlConfig.Controllers.GRPCHealth.ListenAddr,
			Port:       yamlConfig.Controllers.GRPCHealth.Port,
		}
	}

	return finalize(config)
}

// YAML-specific structs with proper YAML tags
type ConfigYAML struct {
	Printer     PrinterYAML     `yaml:"printer"`
	Capture     CaptureYAML     `yaml:"capture,omitempty"`
	Layers      LayersYAML      `yaml:"layers,omitempty"`
	Frames      FramesYAML      `yaml:"frames,omitempty"`
	FFmpeg      FFmpegYAML      `yaml:"ffmpeg,omitempty"`
	Storage     StorageYAML     `yaml:"storage,omitempty"`
	Controllers ControllersYAML `yaml:"controllers,omitempty"`
	SessionsDir string          `yaml:"sessions-dir,omitempty"`
	LogFile     string          `yaml:"log-file,omitempty"`
}

type PrinterYAML struct {
	Type         string `yaml:"type,omitempty"`
	APIURL       string `yaml:"api-url,omitempty"`
	JobAPIURL    string `yaml:"job-api-url,omitempty"`
	APIKey       string `yaml:"api-key,omitempty"`
	SerialDevice string `yaml:"serial-device,omitempty"`
	Baud         int    `yaml:"baud,omitempty"`
	PollInterval string `yaml:"poll-interval,omitempty"`
}

type CaptureYAML struct {
	RequiredZCapturePos float64 `yaml:"required-z-capture-pos,omitempty"`
	RequiredBedTemp     float64 `yaml:"required-bed-temp,omitempty"`
	RequiredNozzleTemp  float64 `yaml:"required-nozzle-temp,omitempty"`
}

type LayersYAML struct {
	MinZChangeMM      float64 `yaml:"min-z-change-mm,omitempty"`
	MinStabilityCount int     `yaml:"min-stability-count,omitempty"`
	MaxLayerHeightMM  float64 `yaml:"max-layer-height-mm,omitempty"`
}

type FramesYAML struct {
	CorruptionSizeThresholdRatio float64 `yaml:"corruption-size-threshold-ratio,omitempty"`
	ExtractionWorkers            int     `yaml:"extraction-workers,omitempty"`
}

type FFmpegYAML struct {
	Cmd                string        `yaml:"cmd,omitempty"`
	TimelapseFramerate int           `yaml:"timelapse-framerate,omitempty"`
	RTSPStreamURL      string        `yaml:"rtsp-stream-url,omitempty"`
	RTSPTransport      string        `yaml:"rtsp-transport,omitempty"`
	StreamTimeout      string        `yaml:"stream-timeout,omitempty"`
	Reconnect          ReconnectYAML `yaml:"reconnect,omitempty"`
}

type ReconnectYAML struct {
	MaxRetries    int    `yaml:"max-retries,omitempty"`
	RetryDelay    string `yaml:"retry-delay,omitempty"`
	MaxRetryDelay string `yaml:"max-retry-delay,omitempty"`
}

type StorageYAML struct {
	TimescaleDB *TimescaleDBYAML `yaml:"timescaledb,omitempty"`
}

type TimescaleDBYAML struct {
	ConnectionString string `yaml:"connection-string"`
}

type ControllersYAML struct {
	RESTServer *ListenerYAML `yaml:"rest,omitempty"`
	GRPCHealth *ListenerYAML `yaml:"grpc-health,omitempty"`
}

type ListenerYAML struct {
	ListenAddr string `yaml:"listen-addr,omitempty"`
	Port       int    `yaml:"port,omitempty"`
}
