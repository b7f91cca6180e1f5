package database

import (
	"fmt"

	"github.com/ksred/klear-markets/internal/amm"
	"github.com/ksred/klear-markets/internal/database/migrations"
	"github.com/ksred/klear-markets/internal/database/txn"
	"github.com/ksred/klear-markets/internal/duel"
	"github.com/ksred/klear-markets/internal/events"
	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/position"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite database at dsn and migrates every table.
// SQLite allows one writer, so the pool is capped at one connection and
// every service runs its work inside a single transaction.
func NewDatabase(dsn string, debug bool) (*gorm.DB, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&ledger.Balance{},
		&position.Position{},
		&duel.Duel{},
		&amm.Pool{},
		&amm.Trade{},
		&events.EventRecord{},
		&txn.IdempotencyRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}

	if err := migrations.AddMarketIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
