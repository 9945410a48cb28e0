package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chrissnell/layerlapse/internal/types"
	"go.uber.org/zap"
)

// healthInterval is how often engines that implement HealthChecker are checked
const healthInterval = 60 * time.Second

// Manager holds the active storage backends and distributes samples to them
type Manager struct {
	engines     []namedEngine
	distributor chan types.Sample
	logger      *zap.SugaredLogger

	mu     sync.RWMutex
	health map[string]*Health
}

type namedEngine struct {
	name   string
	engine Engine
	c      chan<- types.Sample
}

// NewManager creates a Manager with no engines and starts its distributor
func NewManager(ctx context.Context, wg *sync.WaitGroup, logger *zap.SugaredLogger) *Manager {
	m := &Manager{
		distributor: make(chan types.Sample, 20),
		logger:      logger.Named("storage"),
		health:      make(map[string]*Health),
	}

	wg.Add(1)
	go m.startSampleDistributor(ctx, wg)
	return m
}

// AddEngine starts e and adds it to the fan-out. Engines that implement
// HealthChecker are checked periodically until ctx is cancelled.
func (m *Manager) AddEngine(ctx context.Context, wg *sync.WaitGroup, name string, e Engine) {
	c := e.StartStorageEngine(ctx, wg)

	m.mu.Lock()
	m.engines = append(m.engines, namedEngine{name: name, engine: e, c: c})
	m.mu.Unlock()

	if hc, ok := e.(HealthChecker); ok {
		go m.healthMonitor(ctx, name, hc)
	}
	m.logger.Infof("added %s storage engine", name)
}

// Store hands a sample to the distributor. It blocks only while the
// distributor's buffer is full.
func (m *Manager) Store(ctx context.Context, s types.Sample) error {
	select {
	case m.distributor <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health returns a snapshot of the last health check of every engine
func (m *Manager) Health() map[string]Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Health, len(m.health))
	for name, h := range m.health {
		out[name] = *h
	}
	return out
}

// EngineNames returns the names of the configured engines in sorted order
func (m *Manager) EngineNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.engines))
	for _, e := range m.engines {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) startSampleDistributor(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case s := <-m.distributor:
			m.mu.RLock()
			engines := m.engines
			m.mu.RUnlock()

			for _, e := range engines {
				select {
				case e.c <- s:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) healthMonitor(ctx context.Context, name string, hc HealthChecker) {
	update := func() {
		h := hc.CheckHealth(ctx)
		m.mu.Lock()
		m.health[name] = h
		m.mu.Unlock()
		if h.Status != StatusHealthy {
			m.logger.Warnw("storage engine unhealthy", "engine", name, "message", h.Message, "error", h.Error)
		} else {
			m.logger.Debugf("updated %s health status: %s", name, h.Status)
		}
	}

	update()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			update()
		case <-ctx.Done():
			m.logger.Infof("stopping %s health monitor", name)
			return
		}
	}
}
