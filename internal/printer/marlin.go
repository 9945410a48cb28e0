package printer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chrissnell/layerlapse/internal/types"
	"github.com/chrissnell/layerlapse/pkg/config"
	serial "github.com/tarm/goserial"
	"go.uber.org/zap"
)

const marlinCommandTimeout = 5 * time.Second

var (
	hotendTempRe = regexp.MustCompile(`T:\s*(-?[\d.]+)\s*/\s*(-?[\d.]+)`)
	bedTempRe    = regexp.MustCompile(`B:\s*(-?[\d.]+)\s*/\s*(-?[\d.]+)`)
	zPositionRe  = regexp.MustCompile(`(?:^|\s)Z:\s*(-?[\d.]+)`)
	sdProgressRe = regexp.MustCompile(`SD printing byte (\d+)/(\d+)`)
)

// Marlin polls a Marlin-firmware printer over a serial line with M105
// (temperatures), M114 (position) and M27 (SD print status).
type Marlin struct {
	port    io.ReadWriteCloser
	lines   chan string
	readErr error
	timeout time.Duration
	capture config.CaptureData
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	lastState string
}

// NewMarlin opens the serial port and starts reading from it
func NewMarlin(cfg config.PrinterData, capture config.CaptureData, logger *zap.SugaredLogger) (*Marlin, error) {
	if cfg.SerialDevice == "" {
		return nil, errors.New("printer.serial-device is required for the marlin printer type")
	}

	logger = logger.Named("marlin").With("device", cfg.SerialDevice)
	logger.Infof("opening serial port %s at %d baud", cfg.SerialDevice, cfg.Baud)

	port, err := serial.OpenPort(&serial.Config{Name: cfg.SerialDevice, Baud: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.SerialDevice, err)
	}

	return newMarlin(port, capture, marlinCommandTimeout, logger), nil
}

func newMarlin(port io.ReadWriteCloser, capture config.CaptureData, timeout time.Duration, logger *zap.SugaredLogger) *Marlin {
	m := &Marlin{
		port:      port,
		lines:     make(chan string, 64),
		timeout:   timeout,
		capture:   capture,
		logger:    logger,
		lastState: types.StateIdle,
	}
	go m.readLoop()
	return m
}

func (m *Marlin) readLoop() {
	scanner := bufio.NewScanner(m.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			m.lines <- line
		}
	}
	m.readErr = scanner.Err()
	close(m.lines)
}

// Poll queries temperatures, position and print status
func (m *Marlin) Poll(ctx context.Context) (types.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := types.Sample{Time: time.Now(), Z: unknownZ}

	temps, err := m.command(ctx, "M105")
	if err != nil {
		return types.Sample{}, err
	}
	for _, line := range temps {
		if v := hotendTempRe.FindStringSubmatch(line); v != nil {
			s.NozzleTemp, _ = strconv.ParseFloat(v[1], 64)
			s.NozzleTarget, _ = strconv.ParseFloat(v[2], 64)
		}
		if v := bedTempRe.FindStringSubmatch(line); v != nil {
			s.BedTemp, _ = strconv.ParseFloat(v[1], 64)
			s.BedTarget, _ = strconv.ParseFloat(v[2], 64)
		}
	}

	pos, err := m.command(ctx, "M114")
	if err != nil {
		return types.Sample{}, err
	}
	for _, line := range pos {
		if v := zPositionRe.FindStringSubmatch(line); v != nil {
			s.Z, _ = strconv.ParseFloat(v[1], 64)
			break
		}
	}

	s.State, err = m.sdState(ctx)
	if err != nil {
		return types.Sample{}, err
	}
	s.JobActive = types.IsActiveState(s.State)
	applyTargetDefaults(&s, m.capture)

	m.logger.Debugw("polled printer", "state", s.State, "z", s.Z, "bed", s.BedTemp, "nozzle", s.NozzleTemp)
	return s, nil
}

// Job reports the SD print state and the name of the selected file
func (m *Marlin) Job(ctx context.Context) (JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.sdState(ctx)
	if err != nil {
		return JobInfo{}, err
	}

	info := JobInfo{State: state}
	resp, err := m.command(ctx, "M27 C")
	if err != nil {
		return JobInfo{}, err
	}
	for _, line := range resp {
		if name, ok := strings.CutPrefix(line, "Current file:"); ok {
			info.DisplayName = currentFileName(name)
		}
	}
	return info, nil
}

// Close closes the serial port
func (m *Marlin) Close() error {
	return m.port.Close()
}

// sdState maps M27 output onto job states. Marlin has no explicit finished
// state, so a transition out of printing is reported as FINISHED until the
// next print starts.
func (m *Marlin) sdState(ctx context.Context) (string, error) {
	resp, err := m.command(ctx, "M27")
	if err != nil {
		return "", err
	}

	state := types.StateIdle
	for _, line := range resp {
		switch {
		case strings.Contains(line, "Done printing file"):
			state = types.StateFinished
		case sdProgressRe.MatchString(line):
			v := sdProgressRe.FindStringSubmatch(line)
			done, _ := strconv.ParseInt(v[1], 10, 64)
			total, _ := strconv.ParseInt(v[2], 10, 64)
			if total > 0 && done >= total {
				state = types.StateFinished
			} else {
				state = types.StatePrinting
			}
		}
	}

	if state == types.StateIdle && (m.lastState == types.StatePrinting || m.lastState == types.StateFinished) {
		state = types.StateFinished
	}
	m.lastState = state
	return state, nil
}

// command sends one G-code line and collects the response lines up to and
// including the terminating "ok".
func (m *Marlin) command(ctx context.Context, cmd string) ([]string, error) {
	// Drop anything left over from a command that timed out
	for drained := false; !drained; {
		select {
		case _, ok := <-m.lines:
			if !ok {
				return nil, m.closedErr()
			}
		default:
			drained = true
		}
	}

	if _, err := io.WriteString(m.port, cmd+"\n"); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", cmd, err)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	var resp []string
	for {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return nil, m.closedErr()
			}
			if strings.HasPrefix(line, "echo:busy") {
				continue
			}
			resp = append(resp, line)
			if strings.HasPrefix(line, "ok") {
				return resp, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("timed out waiting for %s response", cmd)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Marlin) closedErr() error {
	if m.readErr != nil {
		return fmt.Errorf("serial port read failed: %w", m.readErr)
	}
	return io.ErrUnexpectedEOF
}

// currentFileName picks the long file name from an "M27 C" reply when the
// firmware sends one after the 8.3 name
func currentFileName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "(no file)") {
		return ""
	}
	if _, long, ok := strings.Cut(s, " "); ok && strings.TrimSpace(long) != "" {
		return strings.TrimSpace(long)
	}
	return s
}
