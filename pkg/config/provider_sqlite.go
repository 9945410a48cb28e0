package config

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const createSettingsTableSQL = `
	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`

// SQLiteProvider implements ConfigProvider for SQLite database configuration.
// Settings are stored as key/value rows whose keys mirror the YAML paths, e.g.
// "layers.min-stability-count".
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteProvider creates a new SQLite configuration provider
func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if _, err := db.Exec(createSettingsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}

	return &SQLiteProvider{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// LoadConfig loads the complete configuration from SQLite database
func (s *SQLiteProvider) LoadConfig() (*ConfigData, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	config := &ConfigData{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		if err := applySetting(config, key, value); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return finalize(config)
}

// SetSetting stores a single setting, replacing any previous value
func (s *SQLiteProvider) SetSetting(key, value string) error {
	if _, ok := settingSetters[key]; !ok {
		return fmt.Errorf("unknown setting: %s", key)
	}
	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

// SaveConfig stores every setting of c in a single transaction, replacing the
// previous values of those keys
func (s *SQLiteProvider) SaveConfig(c *ConfigData) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("failed to prepare settings insert: %w", err)
	}
	defer stmt.Close()

	settings := Settings(c)
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := stmt.Exec(k, settings[k]); err != nil {
			return fmt.Errorf("failed to store setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Settings flattens c into the key/value form used by the SQLite backend.
// Empty strings and absent optional sections are left out.
func Settings(c *ConfigData) map[string]string {
	out := make(map[string]string)
	str := func(key, v string) {
		if v != "" {
			out[key] = v
		}
	}
	num := func(key string, v int) { out[key] = strconv.Itoa(v) }
	flt := func(key string, v float64) { out[key] = strconv.FormatFloat(v, 'f', -1, 64) }
	dur := func(key string, v time.Duration) { out[key] = v.String() }

	str("printer.type", c.Printer.Type)
	str("printer.api-url", c.Printer.APIURL)
	str("printer.job-api-url", c.Printer.JobAPIURL)
	str("printer.api-key", c.Printer.APIKey)
	str("printer.serial-device", c.Printer.SerialDevice)
	num("printer.baud", c.Printer.Baud)
	dur("printer.poll-interval", c.Printer.PollInterval)

	flt("capture.required-z-capture-pos", c.Capture.RequiredZCapturePos)
	flt("capture.required-bed-temp", c.Capture.RequiredBedTemp)
	flt("capture.required-nozzle-temp", c.Capture.RequiredNozzleTemp)

	flt("layers.min-z-change-mm", c.Layers.MinZChangeMM)
	num("layers.min-stability-count", c.Layers.MinStabilityCount)
	flt("layers.max-layer-height-mm", c.Layers.MaxLayerHeightMM)

	flt("frames.corruption-size-threshold-ratio", c.Frames.CorruptionSizeThresholdRatio)
	num("frames.extraction-workers", c.Frames.ExtractionWorkers)

	str("ffmpeg.cmd", c.FFmpeg.Cmd)
	num("ffmpeg.timelapse-framerate", c.FFmpeg.TimelapseFramerate)
	str("ffmpeg.rtsp-stream-url", c.FFmpeg.RTSPStreamURL)
	str("ffmpeg.rtsp-transport", c.FFmpeg.RTSPTransport)
	dur("ffmpeg.stream-timeout", c.FFmpeg.StreamTimeout)
	num("ffmpeg.reconnect.max-retries", c.FFmpeg.Reconnect.MaxRetries)
	dur("ffmpeg.reconnect.retry-delay", c.FFmpeg.Reconnect.RetryDelay)
	dur("ffmpeg.reconnect.max-retry-delay", c.FFmpeg.Reconnect.MaxRetryDelay)

	if ts := c.Storage.TimescaleDB; ts != nil {
		str("storage.timescaledb.connection-string", ts.ConnectionString)
	}
	if rc := c.Controllers.RESTServer; rc != nil {
		str("controllers.rest.listen-addr", rc.ListenAddr)
		num("controllers.rest.port", rc.Port)
	}
	if hc := c.Controllers.GRPCHealth; hc != nil {
		str("controllers.grpc-health.listen-addr", hc.ListenAddr)
		num("controllers.grpc-health.port", hc.Port)
	}

	str("sessions-dir", c.SessionsDir)
	str("log-file", c.LogFile)
	return out
}

// IsReadOnly returns false since settings can be written through SetSetting
func (s *SQLiteProvider) IsReadOnly() bool {
	return false
}

// Close closes the database connection
func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}

// SettingKeys lists every key the SQLite backend understands
func SettingKeys() []string {
	keys := make([]string, 0, len(settingSetters))
	for k := range settingSetters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func applySetting(c *ConfigData, key, value string) error {
	setter, ok := settingSetters[key]
	if !ok {
		return fmt.Errorf("unknown setting: %s", key)
	}
	if err := setter(c, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

type setterFunc func(c *ConfigData, value string) error

func setString(get func(c *ConfigData) *string) setterFunc {
	return func(c *ConfigData, value string) error {
		*get(c) = value
		return nil
	}
}

func setInt(get func(c *ConfigData) *int) setterFunc {
	return func(c *ConfigData, value string) error {
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*get(c) = v
		return nil
	}
}

func setFloat(get func(c *ConfigData) *float64) setterFunc {
	return func(c *ConfigData, value string) error {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		*get(c) = v
		return nil
	}
}

func setDuration(get func(c *ConfigData) *time.Duration) setterFunc {
	return func(c *ConfigData, value string) error {
		v, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*get(c) = v
		return nil
	}
}

func restServer(c *ConfigData) *RESTServerData {
	if c.Controllers.RESTServer == nil {
		c.Controllers.RESTServer = &RESTServerData{}
	}
	return c.Controllers.RESTServer
}

func grpcHealth(c *ConfigData) *GRPCHealthData {
	if c.Controllers.GRPCHealth == nil {
		c.Controllers.GRPCHealth = &GRPCHealthData{}
	}
	return c.Controllers.GRPCHealth
}

var settingSetters = map[string]setterFunc{
	"printer.type":          setString(func(c *ConfigData) *string { return &c.Printer.Type }),
	"printer.api-url":       setString(func(c *ConfigData) *string { return &c.Printer.APIURL }),
	"printer.job-api-url":   setString(func(c *ConfigData) *string { return &c.Printer.JobAPIURL }),
	"printer.api-key":       setString(func(c *ConfigData) *string { return &c.Printer.APIKey }),
	"printer.serial-device": setString(func(c *ConfigData) *string { return &c.Printer.SerialDevice }),
	"printer.baud":          setInt(func(c *ConfigData) *int { return &c.Printer.Baud }),
	"printer.poll-interval": setDuration(func(c *ConfigData) *time.Duration { return &c.Printer.PollInterval }),

	"capture.required-z-capture-pos": setFloat(func(c *ConfigData) *float64 { return &c.Capture.RequiredZCapturePos }),
	"capture.required-bed-temp":      setFloat(func(c *ConfigData) *float64 { return &c.Capture.RequiredBedTemp }),
	"capture.required-nozzle-temp":   setFloat(func(c *ConfigData) *float64 { return &c.Capture.RequiredNozzleTemp }),

	"layers.min-z-change-mm":     setFloat(func(c *ConfigData) *float64 { return &c.Layers.MinZChangeMM }),
	"layers.min-stability-count": setInt(func(c *ConfigData) *int { return &c.Layers.MinStabilityCount }),
	"layers.max-layer-height-mm": setFloat(func(c *ConfigData) *float64 { return &c.Layers.MaxLayerHeightMM }),

	"frames.corruption-size-threshold-ratio": setFloat(func(c *ConfigData) *float64 { return &c.Frames.CorruptionSizeThresholdRatio }),
	"frames.extraction-workers":              setInt(func(c *ConfigData) *int { return &c.Frames.ExtractionWorkers }),

	"ffmpeg.cmd":                       setString(func(c *ConfigData) *string { return &c.FFmpeg.Cmd }),
	"ffmpeg.timelapse-framerate":       setInt(func(c *ConfigData) *int { return &c.FFmpeg.TimelapseFramerate }),
	"ffmpeg.rtsp-stream-url":           setString(func(c *ConfigData) *string { return &c.FFmpeg.RTSPStreamURL }),
	"ffmpeg.rtsp-transport":            setString(func(c *ConfigData) *string { return &c.FFmpeg.RTSPTransport }),
	"ffmpeg.stream-timeout":            setDuration(func(c *ConfigData) *time.Duration { return &c.FFmpeg.StreamTimeout }),
	"ffmpeg.reconnect.max-retries":     setInt(func(c *ConfigData) *int { return &c.FFmpeg.Reconnect.MaxRetries }),
	"ffmpeg.reconnect.retry-delay":     setDuration(func(c *ConfigData) *time.Duration { return &c.FFmpeg.Reconnect.RetryDelay }),
	"ffmpeg.reconnect.max-retry-delay": setDuration(func(c *ConfigData) *time.Duration { return &c.FFmpeg.Reconnect.MaxRetryDelay }),

	"storage.timescaledb.connection-string": func(c *ConfigData, value string) error {
		c.Storage.TimescaleDB = &TimescaleDBData{ConnectionString: value}
		return nil
	},

	"controllers.rest.listen-addr":        setString(func(c *ConfigData) *string { return &restServer(c).ListenAddr }),
	"controllers.rest.port":               setInt(func(c *ConfigData) *int { return &restServer(c).Port }),
	"controllers.grpc-health.listen-addr": setString(func(c *ConfigData) *string { return &grpcHealth(c).ListenAddr }),
	"controllers.grpc-health.port":        setInt(func(c *ConfigData) *int { return &grpcHealth(c).Port }),

	"sessions-dir": setString(func(c *ConfigData) *string { return &c.SessionsDir }),
	"log-file":     setString(func(c *ConfigData) *string { return &c.LogFile }),
}
