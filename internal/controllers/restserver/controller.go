// Package restserver serves the monitor status, session manifests and
// Prometheus metrics over HTTP.
package restserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chrissnell/layerlapse/internal/monitor"
	"github.com/chrissnell/layerlapse/internal/storage"
	"github.com/chrissnell/layerlapse/pkg/config"
	"github.com/chrissnell/layerlapse/pkg/responseformat"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusSource reports what the monitor is doing
type StatusSource interface {
	Status() monitor.Status
}

// HealthSource reports the health of the storage engines
type HealthSource interface {
	Health() map[string]storage.Health
}

// Controller represents the REST server controller
type Controller struct {
	ctx         context.Context
	wg          *sync.WaitGroup
	Server      http.Server
	sessionsDir string
	status      StatusSource
	health      HealthSource
	gatherer    prometheus.Gatherer
	formatter   *responseformat.Formatter
	logger      *zap.SugaredLogger
}

// NewController creates a new REST server controller. status and health may
// be nil, in which case /status reports only what is available.
func NewController(ctx context.Context, wg *sync.WaitGroup, rc config.RESTServerData, sessionsDir string, status StatusSource, health HealthSource, gatherer prometheus.Gatherer, logger *zap.SugaredLogger) *Controller {
	c := &Controller{
		ctx:         ctx,
		wg:          wg,
		sessionsDir: sessionsDir,
		status:      status,
		health:      health,
		gatherer:    gatherer,
		formatter:   responseformat.NewFormatter(),
		logger:      logger.Named("rest"),
	}

	c.Server.Addr = fmt.Sprintf("%v:%v", rc.ListenAddr, rc.Port)
	c.Server.Handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(c.logger.Desugar())),
		handlers.PrintRecoveryStack(true),
	)(c.Router())
	c.Server.ReadHeaderTimeout = 10 * time.Second
	return c
}

// StartController starts the REST server and shuts it down when the context
// is cancelled
func (c *Controller) StartController() error {
	l, err := net.Listen("tcp", c.Server.Addr)
	if err != nil {
		return fmt.Errorf("REST server could not listen on %s: %w", c.Server.Addr, err)
	}
	c.logger.Infof("REST server listening on %s", l.Addr())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Server.Serve(l); err != http.ErrServerClosed {
			c.logger.Errorf("REST server error: %v", err)
		}
	}()

	go func() {
		<-c.ctx.Done()
		c.logger.Info("shutting down the REST server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Server.Shutdown(shutdownCtx)
	}()

	return nil
}

// Router configures the HTTP router with all endpoints
func (c *Controller) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(c.loggingMiddleware)

	router.HandleFunc("/status", c.GetStatus).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{session}/manifest", c.GetManifest).Methods(http.MethodGet)
	if c.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return router
}

// statusWriter records the response status for the request log
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (c *Controller) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		c.logger.Debugw("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"size", sw.size,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}
