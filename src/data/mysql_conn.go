package data

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stake-plus/govwatch/src/logging"
)

// ConnectMySQL normalizes dsn and opens it. Timestamps are always parsed
// into time.Time.
func ConnectMySQL(dsn string, log *slog.Logger) (*gorm.DB, error) {
	normalized, err := normalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := Open(mysql.Open(normalized), log)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Open opens dialector with gorm warnings routed to log.
func Open(dialector gorm.Dialector, log *slog.Logger) (*gorm.DB, error) {
	gormLogger := logger.New(gormWriter{log: logging.OrDiscard(log).With("component", "gorm")}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	return gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
}

// Migrate creates or updates the investigation and settings tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func normalizeDSN(dsn string) (string, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

type gormWriter struct {
	log *slog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Log(context.Background(), slog.LevelWarn, fmt.Sprintf(format, args...))
}
