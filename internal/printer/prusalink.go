package printer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chrissnell/layerlapse/internal/types"
	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
)

// unknownZ is reported when the printer omits its Z position, so that the
// height check can never pass on missing data
const unknownZ = 999.0

const requestTimeout = 2 * time.Second

// statusResponse is the subset of /api/v1/status this package reads
type statusResponse struct {
	Printer struct {
		AxisZ        *float64 `json:"axis_z"`
		TempBed      float64  `json:"temp_bed"`
		TargetBed    float64  `json:"target_bed"`
		TempNozzle   float64  `json:"temp_nozzle"`
		TargetNozzle float64  `json:"target_nozzle"`
		State        string   `json:"state"`
	} `json:"printer"`
}

// jobResponse is the subset of /api/v1/job this package reads
type jobResponse struct {
	State string `json:"state"`
	File  struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	} `json:"file"`
}

// PrusaLink polls a printer through its HTTP API
type PrusaLink struct {
	statusURL string
	jobURL    string
	apiKey    string
	capture   config.CaptureData
	client    *http.Client
	logger    *zap.SugaredLogger
}

// NewPrusaLink creates an HTTP telemetry source
func NewPrusaLink(cfg config.PrinterData, capture config.CaptureData, logger *zap.SugaredLogger) (*PrusaLink, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("printer.api-url is required for the prusalink printer type")
	}
	if cfg.JobAPIURL == "" {
		return nil, errors.New("printer.job-api-url is required for the prusalink printer type")
	}

	return &PrusaLink{
		statusURL: cfg.APIURL,
		jobURL:    cfg.JobAPIURL,
		apiKey:    cfg.APIKey,
		capture:   capture,
		client: &http.Client{
			Timeout: requestTimeout,
		},
		logger: logger.Named("prusalink").With("url", cfg.APIURL),
	}, nil
}

// Poll fetches the printer status and converts it to a sample
func (p *PrusaLink) Poll(ctx context.Context) (types.Sample, error) {
	var status statusResponse
	if _, err := p.get(ctx, p.statusURL, &status); err != nil {
		return types.Sample{}, err
	}

	z := unknownZ
	if status.Printer.AxisZ != nil {
		z = *status.Printer.AxisZ
	}

	s := types.Sample{
		Time:         time.Now(),
		State:        normalizeState(status.Printer.State),
		Z:            z,
		BedTemp:      status.Printer.TempBed,
		BedTarget:    status.Printer.TargetBed,
		NozzleTemp:   status.Printer.TempNozzle,
		NozzleTarget: status.Printer.TargetNozzle,
	}
	s.JobActive = types.IsActiveState(s.State)
	applyTargetDefaults(&s, p.capture)

	p.logger.Debugw("polled printer",
		"state", s.State,
		"z", s.Z,
		"bed", s.BedTemp,
		"nozzle", s.NozzleTemp)
	return s, nil
}

// Job fetches the current job. A printer with no job answers 204 and is
// reported as idle.
func (p *PrusaLink) Job(ctx context.Context) (JobInfo, error) {
	var job jobResponse
	code, err := p.get(ctx, p.jobURL, &job)
	if err != nil {
		return JobInfo{}, err
	}
	if code == http.StatusNoContent {
		return JobInfo{State: types.StateIdle}, nil
	}

	name := job.File.DisplayName
	if name == "" {
		name = job.File.Name
	}
	return JobInfo{
		State:       normalizeState(job.State),
		DisplayName: name,
	}, nil
}

// Close releases idle connections
func (p *PrusaLink) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *PrusaLink) get(ctx context.Context, url string, v interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-Api-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return resp.StatusCode, nil
	default:
		return resp.StatusCode, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return resp.StatusCode, nil
}
