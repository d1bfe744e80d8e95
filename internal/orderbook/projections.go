package orderbook

import (
	"context"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// tradedOrderRow is the flat result of the orders/users/trades join
type tradedOrderRow struct {
	types.Order
	OwnerID        int64
	OwnerName      string
	TradeAmount    *int64
	TradePrice     *int64
	TradeCreatedAt *time.Time
}

const tradedOrderColumns = `orders.*,
	users.id AS owner_id,
	users.name AS owner_name,
	trades.amount AS trade_amount,
	trades.price AS trade_price,
	trades.created_at AS trade_created_at`

func (r repo) joinedOrders(ctx context.Context) *gorm.DB {
	return r.conn(ctx).
		Table("orders").
		Select(tradedOrderColumns).
		Joins("INNER JOIN users ON users.id = orders.user_id").
		Joins("LEFT JOIN trades ON trades.id = orders.trade_id")
}

// OpenOrdersByUser returns the user's orders that are still on the book
func (r repo) OpenOrdersByUser(ctx context.Context, userID int64) ([]types.TradedOrder, error) {
	var rows []tradedOrderRow
	err := r.joinedOrders(ctx).
		Where("orders.user_id = ? AND orders.closed_at IS NULL", userID).
		Order("orders.created_at ASC, orders.id ASC").
		Scan(&rows).Error
	return toTradedOrders(rows), err
}

// OrdersByUser returns the user's open orders together with every order that traded
func (r repo) OrdersByUser(ctx context.Context, userID int64) ([]types.TradedOrder, error) {
	var rows []tradedOrderRow
	err := r.joinedOrders(ctx).
		Where("orders.user_id = ? AND (orders.closed_at IS NULL OR orders.trade_id IS NOT NULL)", userID).
		Order("orders.created_at ASC, orders.id ASC").
		Scan(&rows).Error
	return toTradedOrders(rows), err
}

// OrderHistory returns the user's traded orders whose trade id is above sinceTradeID
func (r repo) OrderHistory(ctx context.Context, userID, sinceTradeID int64) ([]types.TradedOrder, error) {
	var rows []tradedOrderRow
	err := r.joinedOrders(ctx).
		Where("orders.user_id = ? AND orders.trade_id IS NOT NULL AND orders.trade_id > ?", userID, sinceTradeID).
		Order("orders.created_at ASC, orders.id ASC").
		Scan(&rows).Error
	return toTradedOrders(rows), err
}

func toTradedOrders(rows []tradedOrderRow) []types.TradedOrder {
	return lo.Map(rows, func(row tradedOrderRow, _ int) types.TradedOrder {
		out := types.TradedOrder{
			Order: row.Order,
			User:  &types.UserView{ID: row.OwnerID, Name: row.OwnerName},
		}
		if row.TradeID != nil && row.TradeAmount != nil {
			out.Trade = &types.Trade{
				ID:        *row.TradeID,
				Amount:    *row.TradeAmount,
				Price:     lo.FromPtr(row.TradePrice),
				CreatedAt: lo.FromPtr(row.TradeCreatedAt),
			}
		}
		return out
	})
}
