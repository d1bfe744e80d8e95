// Package trading is the exchange's entry point: it takes orders in,
// drives matching and settlement, and serves the read projections.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-exchange/internal/bank"
	"github.com/ksred/klear-exchange/internal/chart"
	"github.com/ksred/klear-exchange/internal/events"
	"github.com/ksred/klear-exchange/internal/matching"
	"github.com/ksred/klear-exchange/internal/orderbook"
	"github.com/ksred/klear-exchange/internal/reservation"
	"github.com/ksred/klear-exchange/internal/settlement"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

const defaultMaxRounds = 1000

// Info is the market overview: the user's new trades since a cursor, the
// candle windows and the top of the book
type Info struct {
	Cursor          int64               `json:"cursor"`
	TradedOrders    []types.TradedOrder `json:"traded_orders,omitempty"`
	ChartBySecond   []types.Candle      `json:"chart_by_sec"`
	ChartByMinute   []types.Candle      `json:"chart_by_min"`
	ChartByHour     []types.Candle      `json:"chart_by_hour"`
	LowestSellPrice *int64              `json:"lowest_sell_price,omitempty"`
	HighestBuyPrice *int64              `json:"highest_buy_price,omitempty"`
}

// Service handles order submission and cancellation, runs the matching
// loop and serves the order book projections
type Service struct {
	db           *Database
	store        *orderbook.Store
	reservations *reservation.Manager
	settler      *settlement.Service
	accounts     settlement.Accounts
	charts       *chart.Service
	publisher    events.Publisher
	now          func() time.Time
	maxRounds    int
}

type Option func(*Service)

// WithClock replaces time.Now as the source of order timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMaxRounds bounds the number of settlements attempted by one RunMatching call
func WithMaxRounds(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRounds = n
		}
	}
}

func NewService(
	gormDB *gorm.DB,
	store *orderbook.Store,
	reservations *reservation.Manager,
	settler *settlement.Service,
	accounts settlement.Accounts,
	publisher events.Publisher,
	opts ...Option,
) *Service {
	s := &Service{
		db:           NewDatabase(gormDB),
		store:        store,
		reservations: reservations,
		settler:      settler,
		accounts:     accounts,
		charts:       chart.NewService(store),
		publisher:    publisher,
		now:          time.Now,
		maxRounds:    defaultMaxRounds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitOrder reserves the order's funds on the bank and places it on the
// book. Nothing is persisted when the reservation is refused. Cancelling ctx
// does not interrupt a submission.
func (s *Service) SubmitOrder(ctx context.Context, userID int64, side types.Side, amount, price int64) (*types.Order, error) {
	ctx = context.WithoutCancel(ctx)
	return s.submit(ctx, userID, side, amount, price, func(order *types.Order) error {
		return s.store.Insert(ctx, order)
	})
}

// SubmitOrderIdempotent is SubmitOrder keyed by a client token: repeating the
// call with the same key within 24 hours returns the order placed first.
func (s *Service) SubmitOrderIdempotent(ctx context.Context, userID int64, side types.Side, amount, price int64, key string) (*types.Order, error) {
	if key == "" {
		return s.SubmitOrder(ctx, userID, side, amount, price)
	}
	ctx = context.WithoutCancel(ctx)
	scoped := fmt.Sprintf("%d:%s", userID, key)

	if order, err := s.replay(ctx, scoped); err != nil || order != nil {
		return order, err
	}

	order, err := s.submit(ctx, userID, side, amount, price, func(order *types.Order) error {
		return s.db.CreateOrderWithIdempotency(ctx, order, scoped)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent request with the same key won the insert
		if existing, replayErr := s.replay(ctx, scoped); replayErr == nil && existing != nil {
			return existing, nil
		}
	}
	return order, err
}

func (s *Service) replay(ctx context.Context, key string) (*types.Order, error) {
	record, err := s.db.GetIdempotencyRecord(ctx, key, s.now().UTC())
	if err != nil || record == nil {
		return nil, err
	}
	return s.store.Get(ctx, record.OrderID)
}

func (s *Service) submit(ctx context.Context, userID int64, side types.Side, amount, price int64, insert func(*types.Order) error) (*types.Order, error) {
	logger := log.With().
		Str("service", "trading").
		Int64("user_id", userID).
		Str("side", string(side)).
		Int64("amount", amount).
		Int64("price", price).
		Logger()

	if _, err := reservation.Required(side, amount, price); err != nil {
		return nil, err
	}

	bankID, err := s.accounts.BankID(ctx, userID)
	if err != nil {
		return nil, err
	}

	handle, err := s.reservations.Reserve(ctx, bankID, side, amount, price)
	if err != nil {
		logger.Info().Err(err).Msg("order refused")
		return nil, err
	}

	order := &types.Order{
		UserID:        userID,
		Side:          side,
		Amount:        amount,
		Price:         price,
		Status:        types.StatusOpen,
		ReservationID: string(handle.HoldID),
		CreatedAt:     s.now().UTC(),
	}
	if err := insert(order); err != nil {
		if releaseErr := s.reservations.Release(ctx, handle.HoldID); releaseErr != nil {
			logger.Error().Err(releaseErr).Str("hold_id", string(handle.HoldID)).Msg("failed to release hold of unsaved order")
		}
		return nil, fmt.Errorf("failed to save order: %w", err)
	}

	logger.Info().Int64("order_id", order.ID).Msg("order placed")
	s.publish(ctx, events.New(events.OrderPlaced(side), userID, order))
	return order, nil
}

// CancelOrder closes one of the user's open orders and releases its hold.
// Orders of other users are reported as not found.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID int64) error {
	ctx = context.WithoutCancel(ctx)
	unlock := s.store.Locks().Lock(orderID)
	defer unlock()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return types.ErrOrderNotFound
	}

	if err := s.store.Close(ctx, orderID, types.StatusCanceled, s.now().UTC()); err != nil {
		return err
	}

	logger := log.With().Str("service", "trading").Int64("order_id", orderID).Logger()
	if err := s.reservations.Release(ctx, holdOf(order)); err != nil {
		logger.Error().Err(err).Str("hold_id", order.ReservationID).Msg("inconsistency requiring reconciliation: hold of canceled order not released")
	}

	logger.Info().Msg("order canceled")
	order.Status = types.StatusCanceled
	s.publish(ctx, events.New(events.OrderCanceled(order.Side), userID, order))
	return nil
}

func holdOf(order *types.Order) bank.HoldID {
	return bank.HoldID(order.ReservationID)
}

// HasTradeChance reports whether order could cross the current book
func (s *Service) HasTradeChance(ctx context.Context, order *types.Order) (bool, error) {
	return s.store.HasTradeChance(ctx, order)
}

// RunMatching settles crossing orders until the book is uncrossed.
// A contended match is skipped by matching again from a fresh snapshot; an
// order the bank refused is dropped from the current one. Any other
// settlement failure stops the run with the error. Cancelling ctx stops the
// run between settlements, never during one. It is safe to call at any time.
func (s *Service) RunMatching(ctx context.Context) error {
	logger := log.With().Str("service", "matching").Logger()

	var snapshot *matching.Snapshot
	for round := 0; round < s.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if snapshot == nil {
			var err error
			if snapshot, err = s.snapshot(ctx); err != nil {
				return err
			}
			bids, asks := snapshot.Len()
			logger.Debug().Int("round", round).Int("bids", bids).Int("asks", asks).Msg("book snapshot")
		}
		m, ok := matching.FindMatch(snapshot)
		if !ok {
			return nil
		}

		trade, err := s.settler.Settle(ctx, m)
		if err == nil {
			s.publishTrade(ctx, m, trade)
			snapshot = nil
			continue
		}
		if errors.Is(err, settlement.ErrContended) {
			snapshot = nil
			continue
		}

		var settlementErr *types.SettlementError
		if !errors.As(err, &settlementErr) {
			return err
		}
		s.publish(ctx, events.New(events.TypeSettlementFailed, 0, map[string]interface{}{
			"buy_order_id":    settlementErr.BuyOrderID,
			"sell_order_id":   settlementErr.SellOrderID,
			"stage":           settlementErr.Stage,
			"failed_order_id": settlementErr.FailedOrderID,
			"reason":          settlementErr.Err.Error(),
		}))
		if settlementErr.FailedOrderID == 0 {
			return err
		}

		// The counterparty is open again with its amount unchanged, so the
		// snapshot stays valid without the refused order
		failed := m.Buy
		if settlementErr.FailedOrderID == m.Sell.ID {
			failed = m.Sell
		}
		snapshot.Remove(failed)
		s.publish(ctx, events.New(events.OrderFailed(failed.Side), failed.UserID, failed))
	}

	logger.Warn().Int("rounds", s.maxRounds).Msg("matching stopped before the book was uncrossed")
	return nil
}

func (s *Service) snapshot(ctx context.Context) (*matching.Snapshot, error) {
	buys, err := s.store.ListOpen(ctx, types.SideBuy)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	sells, err := s.store.ListOpen(ctx, types.SideSell)
	if err != nil {
		return nil, fmt.Errorf("failed to list asks: %w", err)
	}
	return matching.NewSnapshot(buys, sells), nil
}

func (s *Service) publishTrade(ctx context.Context, m matching.Match, trade *types.Trade) {
	s.publish(ctx,
		events.New(events.TypeTrade, 0, trade),
		events.New(events.OrderTraded(types.SideBuy), m.Buy.UserID, map[string]interface{}{"order_id": m.Buy.ID, "trade": trade}),
		events.New(events.OrderTraded(types.SideSell), m.Sell.UserID, map[string]interface{}{"order_id": m.Sell.ID, "trade": trade}),
	)
}

func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evs...); err != nil {
		log.Warn().Err(err).Str("service", "trading").Int("events", len(evs)).Msg("failed to publish events")
	}
}

func (s *Service) GetOpenOrders(ctx context.Context, userID int64) ([]types.TradedOrder, error) {
	return s.store.OpenOrdersByUser(ctx, userID)
}

// GetOrders returns the user's open orders and every order that traded
func (s *Service) GetOrders(ctx context.Context, userID int64) ([]types.TradedOrder, error) {
	return s.store.OrdersByUser(ctx, userID)
}

// GetOrderHistory returns the user's orders filled by a trade newer than sinceTradeID
func (s *Service) GetOrderHistory(ctx context.Context, userID, sinceTradeID int64) ([]types.TradedOrder, error) {
	return s.store.OrderHistory(ctx, userID, sinceTradeID)
}

func (s *Service) GetCandles(ctx context.Context, width types.BucketWidth, from time.Time) ([]types.Candle, error) {
	return s.charts.Candles(ctx, from, width)
}

// BestBid is the highest open buy price; false when there are no bids
func (s *Service) BestBid(ctx context.Context) (int64, bool, error) {
	return s.store.BestPrice(ctx, types.SideBuy)
}

// BestAsk is the lowest open sell price; false when there are no asks
func (s *Service) BestAsk(ctx context.Context) (int64, bool, error) {
	return s.store.BestPrice(ctx, types.SideSell)
}

// Info builds the market overview. cursor is the last trade id the caller
// has seen; it narrows the user's traded orders and the chart windows. A
// zero userID skips the user's orders.
func (s *Service) Info(ctx context.Context, userID, cursor int64) (*Info, error) {
	var lastSeen *time.Time
	if cursor > 0 {
		trade, err := s.store.TradeByID(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if trade != nil {
			lastSeen = lo.ToPtr(trade.CreatedAt)
		}
	}

	info := &Info{}
	latest, err := s.store.LatestTrade(ctx)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		info.Cursor = latest.ID
	}

	if userID != 0 {
		if info.TradedOrders, err = s.store.OrderHistory(ctx, userID, cursor); err != nil {
			return nil, err
		}
	}

	windows := chart.Windows(s.now().UTC(), lastSeen)
	charts := map[types.BucketWidth]*[]types.Candle{
		types.BySecond: &info.ChartBySecond,
		types.ByMinute: &info.ChartByMinute,
		types.ByHour:   &info.ChartByHour,
	}
	for width, out := range charts {
		if *out, err = s.charts.Candles(ctx, windows[width], width); err != nil {
			return nil, err
		}
	}

	if price, ok, err := s.BestAsk(ctx); err != nil {
		return nil, err
	} else if ok {
		info.LowestSellPrice = lo.ToPtr(price)
	}
	if price, ok, err := s.BestBid(ctx); err != nil {
		return nil, err
	} else if ok {
		info.HighestBuyPrice = lo.ToPtr(price)
	}

	return info, nil
}

// InFlight lists orders left claimed by an unfinished settlement
func (s *Service) InFlight(ctx context.Context) ([]types.Order, error) {
	return s.store.InFlight(ctx)
}
