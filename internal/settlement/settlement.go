package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-exchange/internal/bank"
	"github.com/ksred/klear-exchange/internal/matching"
	"github.com/ksred/klear-exchange/internal/orderbook"
	"github.com/ksred/klear-exchange/internal/reservation"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrContended means one side of the match was no longer open when the
// settlement tried to claim it. The caller should match again from a fresh
// snapshot.
var ErrContended = errors.New("matched order is no longer open")

// Accounts resolves the bank customer behind a user
type Accounts interface {
	BankID(ctx context.Context, userID int64) (string, error)
}

// Service settles matched orders: it claims both orders, commits both holds
// on the bank, then records the trade and closes the orders.
type Service struct {
	db           *Database
	store        *orderbook.Store
	reservations *reservation.Manager
	accounts     Accounts
	now          func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now as the source of trade timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(gormDB *gorm.DB, store *orderbook.Store, reservations *reservation.Manager, accounts Accounts, opts ...Option) *Service {
	s := &Service{
		db:           NewDatabase(gormDB),
		store:        store,
		reservations: reservations,
		accounts:     accounts,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle executes a match. On success both matched orders, or the filled
// parts of them, are done and share the returned trade.
//
// ErrContended is routine and leaves the book untouched. A
// *types.SettlementError means the bank was reached and the attempt was
// rolled back; both orders are open again unless the bank permanently refused
// one of them, which is then closed with StatusError, or the outcome of a
// commit is unknown, in which case both stay claimed for reconciliation.
//
// Once started a settlement runs to the end: cancelling ctx does not stop it.
func (s *Service) Settle(ctx context.Context, m matching.Match) (*types.Trade, error) {
	ctx = context.WithoutCancel(ctx)
	logger := log.With().
		Str("service", "settlement").
		Int64("buy_order_id", m.Buy.ID).
		Int64("sell_order_id", m.Sell.ID).
		Logger()

	unlock := s.store.Locks().Lock(m.Buy.ID, m.Sell.ID)
	defer unlock()

	buyer, err := s.accounts.BankID(ctx, m.Buy.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve buyer: %w", err)
	}
	seller, err := s.accounts.BankID(ctx, m.Sell.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seller: %w", err)
	}

	buy, sell, err := s.claim(ctx, m.Buy.ID, m.Sell.ID)
	if err != nil {
		if errors.Is(err, ErrContended) {
			logger.Debug().Msg("match contended, order no longer open")
		}
		return nil, err
	}

	// The snapshot may be stale, so size the fill from the claimed rows
	amount := min(buy.Amount, sell.Amount)
	price := matching.ExecutionPrice(buy, sell)
	attempt := uuid.NewString()
	logger = logger.With().Int64("amount", amount).Int64("price", price).Str("attempt", attempt).Logger()

	steps := []struct {
		stage string
		t     transfer
	}{
		{StageCommitBuy, transfer{
			key:    attempt + ":payment",
			hold:   holdOf(buy),
			amount: amount * price,
			to:     reservation.ProceedsAccount(seller, types.SideSell),
		}},
		{StageCommitSell, transfer{
			key:    attempt + ":delivery",
			hold:   holdOf(sell),
			amount: amount,
			to:     reservation.ProceedsAccount(buyer, types.SideBuy),
		}},
	}

	var applied []transfer
	for _, step := range steps {
		result, err := s.commit(ctx, step.t)
		if result == outcomeApplied {
			applied = append(applied, step.t)
		}
		if err == nil {
			continue
		}
		var pending *transfer
		if result == outcomeUnknown {
			pending = &step.t
		}
		return nil, s.abandon(ctx, logger, buy, sell, step.stage, err, applied, pending)
	}

	trade, closed, err := s.record(ctx, buy, sell, amount, price)
	if err != nil {
		return nil, s.abandon(ctx, logger, buy, sell, StageRecord, err, applied, nil)
	}

	// A fully filled order gives back what is left of its hold, e.g. the
	// buyer's price improvement
	for _, order := range closed {
		if err := s.reservations.Release(ctx, holdOf(order)); err != nil {
			logger.Error().Err(err).Int64("order_id", order.ID).Msg("failed to release remainder of hold")
		}
	}

	logger.Info().Int64("trade_id", trade.ID).Msg("trade settled")
	return trade, nil
}

func holdOf(order *types.Order) bank.HoldID {
	return bank.HoldID(order.ReservationID)
}

type outcome int

const (
	outcomeNotApplied outcome = iota
	outcomeApplied
	outcomeUnknown
)

// commit applies t under its idempotency key. An unavailable bank may have
// applied the transfer and lost the acknowledgement, so the call is replayed
// once under the same key: the ledger applies a key at most once, and a
// successful replay means the transfer is in place. The returned error is the
// first failure, whatever the replay found.
func (s *Service) commit(ctx context.Context, t transfer) (outcome, error) {
	keyed := bank.WithIdempotencyKey(ctx, t.key)
	err := s.reservations.Commit(keyed, t.hold, t.amount, t.to)
	if err == nil {
		return outcomeApplied, nil
	}
	if bank.Permanent(err) {
		return outcomeNotApplied, err
	}

	replayErr := s.reservations.Commit(keyed, t.hold, t.amount, t.to)
	switch {
	case replayErr == nil:
		return outcomeApplied, err
	case bank.Permanent(replayErr):
		return outcomeNotApplied, err
	default:
		return outcomeUnknown, err
	}
}

// claim moves both orders to trading in one unit of work and returns their
// current rows
func (s *Service) claim(ctx context.Context, buyID, sellID int64) (buy, sell *types.Order, err error) {
	err = s.store.Transaction(ctx, func(uow *orderbook.UnitOfWork) error {
		ok, err := uow.Claim(ctx, buyID, sellID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrContended
		}
		if buy, err = uow.Get(ctx, buyID); err != nil {
			return err
		}
		sell, err = uow.Get(ctx, sellID)
		return err
	})
	return buy, sell, err
}

// record creates the trade and closes the filled orders. A partially filled
// order is split first so that only the filled part closes. It returns the
// original orders that were filled completely.
func (s *Service) record(ctx context.Context, buy, sell *types.Order, amount, price int64) (*types.Trade, []*types.Order, error) {
	trade := &types.Trade{Amount: amount, Price: price, CreatedAt: s.now().UTC()}
	var closed []*types.Order

	err := s.store.Transaction(ctx, func(uow *orderbook.UnitOfWork) error {
		if err := uow.CreateTrade(ctx, trade); err != nil {
			return fmt.Errorf("failed to create trade: %w", err)
		}
		for _, order := range []*types.Order{buy, sell} {
			filled := order
			if order.Amount > amount {
				child, err := uow.Split(ctx, order, amount)
				if err != nil {
					return fmt.Errorf("failed to split order %d: %w", order.ID, err)
				}
				filled = child
			} else {
				closed = append(closed, order)
			}
			if err := uow.AttachTrade(ctx, filled.ID, trade); err != nil {
				return fmt.Errorf("failed to attach trade: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		// Split mutates the parent in memory; the rollback did not
		restore(buy, sell, amount)
		return nil, nil, err
	}
	return trade, closed, nil
}

func restore(buy, sell *types.Order, amount int64) {
	for _, order := range []*types.Order{buy, sell} {
		if order.Status == types.StatusOpen {
			order.Amount += amount
			order.Status = types.StatusTrading
		}
	}
}

// abandon reverses the transfers the bank already applied, writes the
// failure ledger and returns the orders to the book. A pending transfer, one
// whose outcome is unknown, leaves the ledger as it is and both orders claimed.
func (s *Service) abandon(ctx context.Context, logger zerolog.Logger, buy, sell *types.Order, stage string, cause error, applied []transfer, pending *transfer) error {
	compensated := pending == nil
	reason := cause.Error()
	if pending != nil {
		reason = fmt.Sprintf("%s: outcome unknown, idempotency key %s", reason, pending.key)
		logger.Error().
			Err(cause).
			Str("hold_id", string(pending.hold)).
			Str("idempotency_key", pending.key).
			Int64("transfer_amount", pending.amount).
			Msg("inconsistency requiring reconciliation: commit outcome unknown")
	}

	for i := len(applied) - 1; i >= 0 && pending == nil; i-- {
		t := applied[i]
		if err := s.reservations.Compensate(ctx, t.hold, t.amount, t.to); err != nil {
			compensated = false
			logger.Error().
				Err(err).
				Str("hold_id", string(t.hold)).
				Int64("transfer_amount", t.amount).
				Msg("inconsistency requiring reconciliation: compensation failed")
		}
	}

	// Nothing moved on the ledger: an ordinary abort
	level := zerolog.WarnLevel
	if len(applied) > 0 || pending != nil {
		level = zerolog.ErrorLevel
	}
	logger.WithLevel(level).Err(cause).Str("stage", stage).Bool("compensated", compensated).Msg("settlement abandoned")

	failure := &types.SettlementFailure{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Stage:       stage,
		Reason:      reason,
		Compensated: compensated,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.db.CreateFailure(ctx, failure); err != nil {
		logger.Error().Err(err).Msg("failed to record settlement failure")
	}

	settlementErr := &types.SettlementError{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Stage:       stage,
		Err:         cause,
	}

	// Value is out of place on the ledger; keep both orders claimed until an
	// operator resolves the failure
	if !compensated {
		return settlementErr
	}

	var rejected *types.Order
	if bank.Permanent(cause) {
		switch stage {
		case StageCommitBuy:
			rejected = buy
		case StageCommitSell:
			rejected = sell
		}
	}

	reopen := []int64{buy.ID, sell.ID}
	if rejected != nil {
		settlementErr.FailedOrderID = rejected.ID
		reopen = []int64{sell.ID}
		if rejected == sell {
			reopen = []int64{buy.ID}
		}
		if err := s.store.Fail(ctx, rejected.ID, s.now().UTC()); err != nil {
			logger.Error().Err(err).Int64("order_id", rejected.ID).Msg("failed to close rejected order")
		} else if err := s.reservations.Release(ctx, holdOf(rejected)); err != nil {
			logger.Error().Err(err).Int64("order_id", rejected.ID).Msg("failed to release rejected hold")
		}
	}

	if err := s.store.Unclaim(ctx, reopen...); err != nil {
		logger.Error().Err(err).Msg("failed to return orders to the book")
	}
	return settlementErr
}

const recentFailures = 20

// Report returns unreconciled failures, the latest failures of any kind and
// the orders currently in trading
func (s *Service) Report(ctx context.Context) (*Report, error) {
	failures, err := s.db.Unreconciled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unreconciled failures: %w", err)
	}
	recent, err := s.db.Failures(ctx, recentFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent failures: %w", err)
	}
	inFlight, err := s.store.InFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch in-flight orders: %w", err)
	}
	return &Report{Failures: failures, Recent: recent, InFlight: inFlight, Timestamp: s.now().UTC()}, nil
}

// Resolve marks a failure as handled by an operator
func (s *Service) Resolve(ctx context.Context, failureID int64) error {
	return s.db.Resolve(ctx, failureID, s.now().UTC())
}

// GinHandlers exposes the failure ledger on the internal API
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) ReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.Report(c.Request.Context())
		response.Handle(c, report, err)
	}
}

func (h *GinHandlers) ResolveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri struct {
			ID int64 `uri:"failure_id" binding:"required"`
		}
		if err := c.ShouldBindUri(&uri); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.Resolve(c.Request.Context(), uri.ID); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"message": "settlement failure resolved"})
	}
}
