package migrations

import (
	"gorm.io/gorm"
)

// AddOrderBookIndexes creates the indexes the matching and history queries depend on
func AddOrderBookIndexes(db *gorm.DB) error {
	indexes := []string{
		// Open book scans by side in price-time order
		`CREATE INDEX IF NOT EXISTS idx_orders_book
		 ON orders(side, status, price, created_at, id)`,

		// Per-user listing in submission order
		`CREATE INDEX IF NOT EXISTS idx_orders_user_created
		 ON orders(user_id, created_at)`,

		// Candle windows
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at
		 ON trades(created_at, id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
