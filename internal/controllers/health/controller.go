// Package health serves the standard gRPC health checking protocol, reporting
// whether the monitor is recording and whether the storage engines are
// reachable.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chrissnell/layerlapse/internal/monitor"
	"github.com/chrissnell/layerlapse/internal/storage"
	"github.com/chrissnell/layerlapse/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Service names reported by the health server. The empty service is the
// process as a whole.
const (
	ServiceRecording = "layerlapse.Recording"
	ServiceStorage   = "layerlapse.Storage"
)

const refreshInterval = time.Second

// Controller runs the gRPC health server
type Controller struct {
	ctx    context.Context
	wg     *sync.WaitGroup
	cfg    config.GRPCHealthData
	Server *grpc.Server
	health *grpchealth.Server
	logger *zap.SugaredLogger

	monitorState  func() string
	storageHealth func() map[string]storage.Health
}

// NewController creates the health server. monitorState reports the current
// monitor state; storageHealth may be nil when no storage engines run.
func NewController(ctx context.Context, wg *sync.WaitGroup, cfg config.GRPCHealthData, monitorState func() string, storageHealth func() map[string]storage.Health, logger *zap.SugaredLogger) *Controller {
	c := &Controller{
		ctx:           ctx,
		wg:            wg,
		cfg:           cfg,
		Server:        grpc.NewServer(),
		health:        grpchealth.NewServer(),
		logger:        logger.Named("grpc-health"),
		monitorState:  monitorState,
		storageHealth: storageHealth,
	}

	healthpb.RegisterHealthServer(c.Server, c.health)
	reflection.Register(c.Server)
	c.refresh()

	return c
}

// StartController starts serving and refreshing the health status until the
// context is cancelled
func (c *Controller) StartController() error {
	listenAddr := fmt.Sprintf("%s:%d", c.cfg.ListenAddr, c.cfg.Port)
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("gRPC health controller could not create listener: %w", err)
	}
	return c.Serve(l)
}

// Serve starts serving on l
func (c *Controller) Serve(l net.Listener) error {
	c.logger.Infof("gRPC health controller listening on %s", l.Addr())

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.Server.Serve(l); err != nil {
			c.logger.Errorf("gRPC health controller serve error: %v", err)
		}
	}()

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refresh()
			case <-c.ctx.Done():
				c.logger.Info("stopping gRPC health controller...")
				c.health.Shutdown()
				c.Server.GracefulStop()
				return
			}
		}
	}()

	return nil
}

func (c *Controller) refresh() {
	c.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	recording := healthpb.HealthCheckResponse_NOT_SERVING
	if c.monitorState != nil && c.monitorState() == monitor.StateRecording {
		recording = healthpb.HealthCheckResponse_SERVING
	}
	c.health.SetServingStatus(ServiceRecording, recording)

	stored := healthpb.HealthCheckResponse_SERVING
	if c.storageHealth != nil {
		for name, h := range c.storageHealth() {
			if h.Status != storage.StatusHealthy {
				c.logger.Debugw("storage engine not healthy", "engine", name, "message", h.Message)
				stored = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
	}
	c.health.SetServingStatus(ServiceStorage, stored)
}
