package database

import (
	"fmt"

	"github.com/ksred/klear-exchange/internal/config"
	"github.com/ksred/klear-exchange/internal/database/migrations"
	"github.com/ksred/klear-exchange/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the connection pool described by cfg and migrates the schema
func NewDatabase(cfg config.Database) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	err = db.AutoMigrate(
		&types.User{},
		&types.Order{},
		&types.Trade{},
		&types.SettlementFailure{},
		&types.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := migrations.AddOrderBookIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
