// Package database opens the GORM connections used by the storage engines.
package database

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chrissnell/layerlapse/internal/log"
	"go.uber.org/zap"
)

// NewGormLogger routes GORM's logging through the package zap logger
func NewGormLogger() logger.Interface {
	return logger.New(
		zap.NewStdLog(log.GetZapLogger()),
		logger.Config{
			SlowThreshold:             time.Second, // Slow SQL threshold
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// Config returns the GORM configuration shared by every connection. Samples
// are inserted one row at a time, so the implicit transaction around each
// Create is skipped.
func Config() *gorm.Config {
	return &gorm.Config{
		Logger:                 NewGormLogger(),
		SkipDefaultTransaction: true,
	}
}

// CreateConnection opens a PostgreSQL/TimescaleDB connection
func CreateConnection(connectionString string) (*gorm.DB, error) {
	log.Info("connecting to TimescaleDB...")
	db, err := gorm.Open(postgres.Open(connectionString), Config())
	if err != nil {
		log.Warn("warning: unable to create a TimescaleDB connection:", err)
		return nil, err
	}
	log.Info("TimescaleDB connection successful")

	return db, nil
}
