// Package storage fans telemetry samples out to optional storage backends.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/chrissnell/layerlapse/internal/types"
	"go.uber.org/zap"
)

// Engine is implemented by every storage backend. StartStorageEngine starts
// the backend's processing goroutine and returns the channel it reads from.
type Engine interface {
	StartStorageEngine(context.Context, *sync.WaitGroup) chan<- types.Sample
}

// Health describes the last health check of a backend
type Health struct {
	LastCheck time.Time `json:"last_check"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker is implemented by backends that can check their own health
type HealthChecker interface {
	CheckHealth(ctx context.Context) *Health
}

// NewHealth creates a health record stamped with the current time
func NewHealth(status, message string, err error) *Health {
	h := &Health{
		LastCheck: time.Now(),
		Status:    status,
		Message:   message,
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// ProcessSamples runs processor on every sample received until ctx is
// cancelled. Processor errors are logged and the loop continues.
func ProcessSamples(ctx context.Context, samples <-chan types.Sample, processor func(types.Sample) error, name string, logger *zap.SugaredLogger) {
	for {
		select {
		case s := <-samples:
			if err := processor(s); err != nil {
				logger.Errorf("%s sample processor error: %v", name, err)
			}
		case <-ctx.Done():
			logger.Infof("cancellation request received. Cancelling %s sample processor", name)
			return
		}
	}
}
