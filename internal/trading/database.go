package trading

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"gorm.io/gorm"
)

const idempotencyTTL = 24 * time.Hour

// Database keeps the idempotency records of order submissions
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetIdempotencyRecord returns the live record for key, or nil when there is none
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, now.UTC()).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// CreateOrderWithIdempotency inserts the order and its idempotency record in
// one transaction. An expired record for the same key is replaced. A live
// record makes the whole insert fail with gorm.ErrDuplicatedKey.
func (d *Database) CreateOrderWithIdempotency(ctx context.Context, order *types.Order, key string) error {
	order.CreatedAt = order.CreatedAt.UTC()
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("idempotency_key = ? AND expires_at <= ?", key, order.CreatedAt).
			Delete(&types.IdempotencyRecord{}).Error; err != nil {
			return err
		}

		if err := tx.Create(order).Error; err != nil {
			return err
		}

		return tx.Create(&types.IdempotencyRecord{
			IdempotencyKey: key,
			UserID:         order.UserID,
			OrderID:        order.ID,
			ExpiresAt:      order.CreatedAt.Add(idempotencyTTL),
			CreatedAt:      order.CreatedAt,
		}).Error
	})
}
