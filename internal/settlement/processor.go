package settlement

import (
	"context"
	"time"

	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
)

// Processor periodically surfaces settlement state that needs an operator:
// failures whose compensation did not go through, and orders left claimed by
// a settlement that never finished.
type Processor struct {
	service  *Service
	interval time.Duration

	// orders in trading at the previous check
	claimed map[int64]bool
}

func NewProcessor(service *Service, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Processor{
		service:  service,
		interval: interval,
		claimed:  make(map[int64]bool),
	}
}

// Start runs the reconciliation check once, then on every tick until ctx is done
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting settlement processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.check(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("failed to check settlement state")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
		}
	}
}

// check logs every item of the current report
func (p *Processor) check(ctx context.Context) error {
	logger := log.With().Str("component", "settlement_processor").Logger()

	report, err := p.service.Report(ctx)
	if err != nil {
		return err
	}

	for _, failure := range report.Failures {
		logger.Warn().
			Int64("failure_id", failure.ID).
			Int64("buy_order_id", failure.BuyOrderID).
			Int64("sell_order_id", failure.SellOrderID).
			Str("stage", failure.Stage).
			Str("reason", failure.Reason).
			Time("created_at", failure.CreatedAt).
			Msg("settlement failure awaiting reconciliation")
	}
	stuck := p.stuck(report.InFlight)
	for _, order := range stuck {
		logger.Warn().
			Int64("order_id", order.ID).
			Int64("user_id", order.UserID).
			Str("side", string(order.Side)).
			Dur("at_least", p.interval).
			Msg("order stuck in trading")
	}

	if len(report.Failures) == 0 && len(stuck) == 0 {
		logger.Debug().Msg("settlement state clean")
	}
	return nil
}

// stuck returns the orders that were already in trading at the previous
// check. A live settlement holds its claim for far less than an interval.
func (p *Processor) stuck(inFlight []types.Order) []types.Order {
	var stuck []types.Order
	claimed := make(map[int64]bool, len(inFlight))
	for _, order := range inFlight {
		if p.claimed[order.ID] {
			stuck = append(stuck, order)
		}
		claimed[order.ID] = true
	}
	p.claimed = claimed
	return stuck
}
