package database

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/ksred/klear-exchange/internal/config"
	"gorm.io/gorm"
)

// NewTestDatabase returns a migrated in-memory database private to the calling test
func NewTestDatabase(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := NewDatabase(config.Database{
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString()),
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
