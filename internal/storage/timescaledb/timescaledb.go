// Package timescaledb stores telemetry samples in a TimescaleDB hypertable.
package timescaledb

import (
	"context"
	"fmt"
	"sync"

	"github.com/chrissnell/layerlapse/internal/database"
	"github.com/chrissnell/layerlapse/internal/storage"
	"github.com/chrissnell/layerlapse/internal/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Storage holds the connection for a TimescaleDB storage backend
type Storage struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

// New connects to TimescaleDB and prepares the schema
func New(ctx context.Context, connectionString string, logger *zap.SugaredLogger) (*Storage, error) {
	db, err := database.CreateConnection(connectionString)
	if err != nil {
		return nil, fmt.Errorf("unable to create a TimescaleDB connection: %w", err)
	}
	return NewWithDB(ctx, db, logger)
}

// NewWithDB prepares the schema on an existing connection
func NewWithDB(ctx context.Context, db *gorm.DB, logger *zap.SugaredLogger) (*Storage, error) {
	t := &Storage{
		db:     db,
		logger: logger.Named("timescaledb"),
	}

	steps := []struct {
		name string
		sql  string
	}{
		{"database table", createTableSQL},
		{"TimescaleDB extension", createExtensionSQL},
		{"hypertable", createHypertableSQL},
		{"session index", createSessionIndexSQL},
	}
	for _, step := range steps {
		t.logger.Infof("creating %s...", step.name)
		if err := db.WithContext(ctx).Exec(step.sql).Error; err != nil {
			return nil, fmt.Errorf("could not create %s: %w", step.name, err)
		}
	}

	return t, nil
}

// StartStorageEngine creates a goroutine loop to receive samples and send
// them off to TimescaleDB
func (t *Storage) StartStorageEngine(ctx context.Context, wg *sync.WaitGroup) chan<- types.Sample {
	t.logger.Info("starting TimescaleDB storage engine...")
	samples := make(chan types.Sample, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		storage.ProcessSamples(ctx, samples, t.StoreSample, "TimescaleDB", t.logger)
	}()
	return samples
}

// StoreSample inserts one sample
func (t *Storage) StoreSample(s types.Sample) error {
	if err := t.db.Create(&s).Error; err != nil {
		return fmt.Errorf("could not store sample: %w", err)
	}
	return nil
}

// CheckHealth pings the database and runs a trivial query
func (t *Storage) CheckHealth(ctx context.Context) *storage.Health {
	if t.db == nil {
		return storage.NewHealth(storage.StatusUnhealthy, "No database connection", nil)
	}

	sqlDB, err := t.db.DB()
	if err != nil {
		return storage.NewHealth(storage.StatusUnhealthy, "Failed to get underlying database connection", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storage.NewHealth(storage.StatusUnhealthy, "Database ping failed", err)
	}

	var result int
	if err := t.db.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error; err != nil {
		return storage.NewHealth(storage.StatusUnhealthy, "Database query test failed", err)
	}
	return storage.NewHealth(storage.StatusHealthy, "TimescaleDB operational - ping: OK, query test: OK", nil)
}
