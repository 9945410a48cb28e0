// Package sessionlog reads and writes the per-session telemetry log, an
// append-only CSV file with one row per polled sample.
package sessionlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chrissnell/layerlapse/internal/types"
	"go.uber.org/zap"
)

// Column names. RelativeTimestamp and Z are required when reading; the rest
// are optional so that logs with fewer columns still load.
const (
	ColTimestamp         = "Timestamp"
	ColRelativeTimestamp = "RelativeTimestamp"
	ColState             = "State"
	ColZ                 = "Z"
	ColTempBed           = "TempBed"
	ColTargetBed         = "TargetBed"
	ColTempNozzle        = "TempNozzle"
	ColTargetNozzle      = "TargetNozzle"
	ColJobActive         = "JobActive"
)

// Header is the column order written by Writer
var Header = []string{
	ColTimestamp,
	ColRelativeTimestamp,
	ColState,
	ColZ,
	ColTempBed,
	ColTargetBed,
	ColTempNozzle,
	ColTargetNozzle,
	ColJobActive,
}

// Writer appends samples to a log file. Every row is flushed as soon as it is
// written so a crash never loses more than the row in flight.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
}

// Create opens path for appending, writing the header if the file is new or
// empty.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat session log: %w", err)
	}

	w := &Writer{file: f, csv: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := w.writeRow(Header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

// Append writes one sample
func (w *Writer) Append(s types.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeRow(formatSample(s))
}

// Close flushes and closes the file
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *Writer) writeRow(row []string) error {
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("failed to write log row: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("failed to flush log row: %w", err)
	}
	return nil
}

func formatSample(s types.Sample) []string {
	ts := ""
	if !s.Time.IsZero() {
		ts = s.Time.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		ts,
		strconv.FormatFloat(s.Elapsed.Seconds(), 'f', 3, 64),
		s.State,
		strconv.FormatFloat(s.Z, 'f', 3, 64),
		strconv.FormatFloat(s.BedTemp, 'f', 1, 64),
		strconv.FormatFloat(s.BedTarget, 'f', 1, 64),
		strconv.FormatFloat(s.NozzleTemp, 'f', 1, 64),
		strconv.FormatFloat(s.NozzleTarget, 'f', 1, 64),
		strconv.FormatBool(s.JobActive),
	}
}

// ErrMissingColumn is returned when the header lacks a required column
var ErrMissingColumn = errors.New("session log is missing a required column")

// ReadFile loads every well-formed sample from the log at path, in file order
func ReadFile(path string, logger *zap.SugaredLogger) ([]types.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()
	return Read(f, logger)
}

// Read parses a log from r. Malformed rows, including a final row torn by a
// crash, are skipped with a warning. An empty log yields no samples and no
// error.
func Read(r io.Reader, logger *zap.SugaredLogger) ([]types.Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session log header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{ColRelativeTimestamp, ColZ} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	var samples []types.Sample
	skipped := 0
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			logger.Warnw("skipping unparseable log row", "line", line, "error", err)
			skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read session log: %w", err)
		}

		s, err := parseRecord(record, cols)
		if err != nil {
			logger.Warnw("skipping malformed log row", "line", line, "error", err)
			skipped++
			continue
		}
		samples = append(samples, s)
	}

	if skipped > 0 {
		logger.Warnw("session log contained malformed rows", "skipped", skipped, "loaded", len(samples))
	}
	return samples, nil
}

func parseRecord(record []string, cols map[string]int) (types.Sample, error) {
	var s types.Sample

	field := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[i]), true
	}
	number := func(name string, required bool) (float64, error) {
		v, ok := field(name)
		if !ok || v == "" {
			if required {
				return 0, fmt.Errorf("missing %s", name)
			}
			return 0, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", name, v)
		}
		return f, nil
	}

	rel, err := number(ColRelativeTimestamp, true)
	if err != nil {
		return s, err
	}
	s.Elapsed = time.Duration(math.Round(rel * float64(time.Second)))

	if s.Z, err = number(ColZ, true); err != nil {
		return s, err
	}
	if s.BedTemp, err = number(ColTempBed, false); err != nil {
		return s, err
	}
	if s.BedTarget, err = number(ColTargetBed, false); err != nil {
		return s, err
	}
	if s.NozzleTemp, err = number(ColTempNozzle, false); err != nil {
		return s, err
	}
	if s.NozzleTarget, err = number(ColTargetNozzle, false); err != nil {
		return s, err
	}

	s.State, _ = field(ColState)

	if v, ok := field(ColTimestamp); ok && v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return s, fmt.Errorf("invalid %s %q", ColTimestamp, v)
		}
		s.Time = t
	}

	if v, ok := field(ColJobActive); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("invalid %s %q", ColJobActive, v)
		}
		s.JobActive = b
	} else {
		s.JobActive = types.IsActiveState(s.State)
	}

	return s, nil
}
