package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"gorm.io/gorm"
)

// Database is the settlement failure ledger
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateFailure(ctx context.Context, failure *types.SettlementFailure) error {
	return d.db.WithContext(ctx).Create(failure).Error
}

// Unreconciled returns failures whose compensation did not go through and
// that no operator has resolved yet
func (d *Database) Unreconciled(ctx context.Context) ([]types.SettlementFailure, error) {
	var failures []types.SettlementFailure
	err := d.db.WithContext(ctx).
		Where("compensated = ? AND resolved_at IS NULL", false).
		Order("id ASC").
		Find(&failures).Error
	return failures, err
}

// Failures returns the latest failures, newest first
func (d *Database) Failures(ctx context.Context, limit int) ([]types.SettlementFailure, error) {
	var failures []types.SettlementFailure
	err := d.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&failures).Error
	return failures, err
}

func (d *Database) Resolve(ctx context.Context, id int64, at time.Time) error {
	result := d.db.WithContext(ctx).Model(&types.SettlementFailure{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("unresolved settlement failure %d: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}
