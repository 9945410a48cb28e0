package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chrissnell/layerlapse/internal/controllers/health"
	"github.com/chrissnell/layerlapse/internal/controllers/restserver"
	"github.com/chrissnell/layerlapse/internal/detector"
	"github.com/chrissnell/layerlapse/internal/extract"
	"github.com/chrissnell/layerlapse/internal/log"
	"github.com/chrissnell/layerlapse/internal/metrics"
	"github.com/chrissnell/layerlapse/internal/monitor"
	"github.com/chrissnell/layerlapse/internal/postprocess"
	"github.com/chrissnell/layerlapse/internal/printer"
	"github.com/chrissnell/layerlapse/internal/storage"
	"github.com/chrissnell/layerlapse/internal/storage/timescaledb"
	"github.com/chrissnell/layerlapse/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// sessionRetryDelay is the pause after a session fails before the monitor
// waits for the next job
const sessionRetryDelay = 5 * time.Second

// App represents the monitoring application
type App struct {
	cfg    *config.ConfigData
	logger *zap.SugaredLogger

	// Once stops the application after the first completed session
	Once bool
	// Process runs the offline pipeline on every completed session
	Process bool
}

// New creates a new application instance
func New(cfg *config.ConfigData, logger *zap.SugaredLogger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts the monitor and the configured controllers, and blocks until
// shutdown. The recording of a session in progress is stopped before Run
// returns.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	p, err := printer.New(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer p.Close()

	sm, err := a.startStorage(ctx, &wg)
	if err != nil {
		return err
	}

	// A nil *storage.Manager must not end up in a non-nil interface
	var store monitor.SampleStore
	var healthSource restserver.HealthSource
	var storageHealth func() map[string]storage.Health
	if sm != nil {
		store = sm
		healthSource = sm
		storageHealth = sm.Health
	}

	mon := monitor.New(a.cfg, p, store, m, a.logger)

	if rc := a.cfg.Controllers.RESTServer; rc != nil {
		c := restserver.NewController(ctx, &wg, *rc, a.cfg.SessionsDir, mon, healthSource, reg, a.logger)
		if err := c.StartController(); err != nil {
			return err
		}
	}
	if hc := a.cfg.Controllers.GRPCHealth; hc != nil {
		monitorState := func() string { return mon.Status().State }
		c := health.NewController(ctx, &wg, *hc, monitorState, storageHealth, a.logger)
		if err := c.StartController(); err != nil {
			return err
		}
	}

	log.Info("Application started successfully")

	done := make(chan error, 1)
	go func() {
		done <- a.monitorLoop(ctx, mon, m)
	}()

	// Set up signal handling
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var runErr error
	finished := false
	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	case runErr = <-done:
		finished = true
	}

	cancel()
	if !finished {
		runErr = <-done
	}

	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")

	return runErr
}

// startStorage starts the configured storage engines. It returns nil when
// none are configured.
func (a *App) startStorage(ctx context.Context, wg *sync.WaitGroup) (*storage.Manager, error) {
	tc := a.cfg.Storage.TimescaleDB
	if tc == nil || tc.ConnectionString == "" {
		return nil, nil
	}

	ts, err := timescaledb.New(ctx, tc.ConnectionString, a.logger)
	if err != nil {
		return nil, err
	}

	sm := storage.NewManager(ctx, wg, a.logger)
	sm.AddEngine(ctx, wg, "timescaledb", ts)
	return sm, nil
}

// monitorLoop runs sessions back to back until ctx is cancelled, or until the
// first completed session in Once mode
func (a *App) monitorLoop(ctx context.Context, mon *monitor.Monitor, m *metrics.Metrics) error {
	for {
		sess, err := mon.RunSession(ctx)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case errors.Is(err, detector.ErrJobEnded):
			a.logger.Warnw("job ended before the print started, nothing was recorded", "session", sess.Name)
		case err != nil:
			if a.Once {
				return err
			}
			a.logger.Errorw("monitoring session failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(sessionRetryDelay):
			}
			continue
		default:
			a.logger.Infow("session complete",
				"session", sess.Name,
				"dir", sess.Dir,
				"samples", sess.Samples,
				"end_state", sess.EndState)
			if a.Process {
				a.process(ctx, sess.Dir, m)
			}
		}

		if a.Once {
			return nil
		}
	}
}

func (a *App) process(ctx context.Context, dir string, m *metrics.Metrics) {
	report, err := postprocess.New(a.cfg, extract.ExecRunner{}, m, a.logger).Run(ctx, dir)
	if err != nil {
		a.logger.Errorw("post-processing failed", "dir", dir, "error", err)
		return
	}
	a.logger.Infow("timelapse written", "output", report.Output, "frames", report.Frames)
}
