package orderbook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"gorm.io/gorm"
)

// repo holds the queries shared by Store and UnitOfWork. Its db is either the
// pool or a transaction.
type repo struct {
	db *gorm.DB
}

func (r repo) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// Insert persists a new order. The order must carry its reservation handle.
func (r repo) Insert(ctx context.Context, order *types.Order) error {
	if order.ReservationID == "" {
		return fmt.Errorf("%w: order has no reservation", types.ErrInvalidOrder)
	}
	// Timestamps are compared as text, so they are all stored in UTC
	order.CreatedAt = order.CreatedAt.UTC()
	return r.conn(ctx).Create(order).Error
}

func (r repo) Get(ctx context.Context, id int64) (*types.Order, error) {
	var order types.Order
	if err := r.conn(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// Close moves an open order to a terminal status. An order claimed by a
// settlement in progress is reported as already closed.
func (r repo) Close(ctx context.Context, id int64, status types.OrderStatus, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("close with non-terminal status %q", status)
	}

	result := r.conn(ctx).Model(&types.Order{}).
		Where("id = ? AND status = ?", id, types.StatusOpen).
		Updates(map[string]interface{}{
			"status":    status,
			"closed_at": at.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return types.ErrOrderAlreadyClosed
}

// ListOpen returns open orders of one side in price-time priority.
// Buys: highest price first. Sells: lowest price first. Ties by creation time then id.
func (r repo) ListOpen(ctx context.Context, side types.Side) ([]types.Order, error) {
	ordering := "price ASC, created_at ASC, id ASC"
	if side == types.SideBuy {
		ordering = "price DESC, created_at ASC, id ASC"
	}

	var orders []types.Order
	err := r.conn(ctx).
		Where("side = ? AND status = ?", side, types.StatusOpen).
		Order(ordering).
		Find(&orders).Error
	return orders, err
}

// Claim marks every order as trading if all of them are still open.
// It reports false when any order was taken by someone else; the caller must
// roll back its unit of work in that case.
func (r repo) Claim(ctx context.Context, ids ...int64) (bool, error) {
	result := r.conn(ctx).Model(&types.Order{}).
		Where("id IN ? AND status = ?", ids, types.StatusOpen).
		Update("status", types.StatusTrading)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == int64(len(ids)), nil
}

// Unclaim returns claimed orders to the book
func (r repo) Unclaim(ctx context.Context, ids ...int64) error {
	return r.conn(ctx).Model(&types.Order{}).
		Where("id IN ? AND status = ?", ids, types.StatusTrading).
		Update("status", types.StatusOpen).Error
}

// AttachTrade links a claimed order to its trade and closes it as done at the
// trade's creation time.
func (r repo) AttachTrade(ctx context.Context, orderID int64, trade *types.Trade) error {
	result := r.conn(ctx).Model(&types.Order{}).
		Where("id = ? AND status = ? AND trade_id IS NULL", orderID, types.StatusTrading).
		Updates(map[string]interface{}{
			"trade_id":  trade.ID,
			"status":    types.StatusDone,
			"closed_at": trade.CreatedAt.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("order %d is not claimed: %w", orderID, types.ErrOrderAlreadyClosed)
	}
	return nil
}

// Split carves filled units off a claimed order. The returned child is claimed
// and carries the parent's price, time priority and reservation; the parent
// goes back to the book with the residual amount.
func (r repo) Split(ctx context.Context, parent *types.Order, filled int64) (*types.Order, error) {
	if filled <= 0 || filled >= parent.Amount {
		return nil, fmt.Errorf("split of order %d: fill %d out of range", parent.ID, filled)
	}

	parentID := parent.ID
	child := &types.Order{
		UserID:        parent.UserID,
		Side:          parent.Side,
		Amount:        filled,
		Price:         parent.Price,
		Status:        types.StatusTrading,
		ParentID:      &parentID,
		ReservationID: parent.ReservationID,
		CreatedAt:     parent.CreatedAt,
	}
	if err := r.conn(ctx).Create(child).Error; err != nil {
		return nil, err
	}

	result := r.conn(ctx).Model(&types.Order{}).
		Where("id = ? AND status = ?", parent.ID, types.StatusTrading).
		Updates(map[string]interface{}{
			"amount": parent.Amount - filled,
			"status": types.StatusOpen,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected != 1 {
		return nil, fmt.Errorf("order %d is not claimed: %w", parent.ID, types.ErrOrderAlreadyClosed)
	}

	parent.Amount -= filled
	parent.Status = types.StatusOpen
	return child, nil
}

// Fail closes a claimed or open order with the error status
func (r repo) Fail(ctx context.Context, id int64, at time.Time) error {
	result := r.conn(ctx).Model(&types.Order{}).
		Where("id = ? AND status IN ?", id, []types.OrderStatus{types.StatusOpen, types.StatusTrading}).
		Updates(map[string]interface{}{
			"status":    types.StatusError,
			"closed_at": at.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return types.ErrOrderAlreadyClosed
	}
	return nil
}

func (r repo) CreateTrade(ctx context.Context, trade *types.Trade) error {
	trade.CreatedAt = trade.CreatedAt.UTC()
	return r.conn(ctx).Create(trade).Error
}

func (r repo) TradeByID(ctx context.Context, id int64) (*types.Trade, error) {
	var trade types.Trade
	if err := r.conn(ctx).Where("id = ?", id).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

func (r repo) LatestTrade(ctx context.Context) (*types.Trade, error) {
	var trade types.Trade
	if err := r.conn(ctx).Order("id DESC").First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// TradesSince returns committed trades created at or after from, oldest first
func (r repo) TradesSince(ctx context.Context, from time.Time) ([]types.Trade, error) {
	var trades []types.Trade
	err := r.conn(ctx).
		Where("created_at >= ?", from.UTC()).
		Order("created_at ASC, id ASC").
		Find(&trades).Error
	return trades, err
}

// BestPrice returns the top-of-book price for side, or false when that side is empty
func (r repo) BestPrice(ctx context.Context, side types.Side) (int64, bool, error) {
	aggregate := "MIN(price)"
	if side == types.SideBuy {
		aggregate = "MAX(price)"
	}

	var price sql.NullInt64
	err := r.conn(ctx).Model(&types.Order{}).
		Select(aggregate).
		Where("side = ? AND status = ?", side, types.StatusOpen).
		Row().Scan(&price)
	if err != nil || !price.Valid {
		return 0, false, err
	}
	return price.Int64, true, nil
}

// HasTradeChance reports whether the opposite side holds an order the given
// order could cross with
func (r repo) HasTradeChance(ctx context.Context, order *types.Order) (bool, error) {
	query := r.conn(ctx).Model(&types.Order{}).
		Where("side = ? AND status = ?", order.Side.Opposite(), types.StatusOpen)
	if order.Side == types.SideBuy {
		query = query.Where("price <= ?", order.Price)
	} else {
		query = query.Where("price >= ?", order.Price)
	}

	var count int64
	if err := query.Limit(1).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// InFlight lists orders left claimed, e.g. by a process that stopped mid-settlement
func (r repo) InFlight(ctx context.Context) ([]types.Order, error) {
	var orders []types.Order
	err := r.conn(ctx).Where("status = ?", types.StatusTrading).Order("id ASC").Find(&orders).Error
	return orders, err
}
