// Package events publishes what happens on the exchange: orders placed and
// canceled, trades, and settlement failures.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
)

const (
	TypeTrade            = "trade"
	TypeSettlementFailed = "settlement.failed"
	TypeSignup           = "signup"

	suffixOrder  = "order"
	suffixDelete = "delete"
	suffixError  = "error"
	suffixTrade  = "trade"
)

// OrderPlaced is "buy.order" or "sell.order"
func OrderPlaced(side types.Side) string { return string(side) + "." + suffixOrder }

// OrderCanceled is "buy.delete" or "sell.delete"
func OrderCanceled(side types.Side) string { return string(side) + "." + suffixDelete }

// OrderFailed is "buy.error" or "sell.error"
func OrderFailed(side types.Side) string { return string(side) + "." + suffixError }

// OrderTraded is "buy.trade" or "sell.trade"
func OrderTraded(side types.Side) string { return string(side) + "." + suffixTrade }

type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	UserID    int64       `json:"user_id,omitempty"` // zero for market-wide events
	Data      interface{} `json:"data"`
	CreatedAt time.Time   `json:"created_at"`
}

func New(typ string, userID int64, data interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		UserID:    userID,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// LogPublisher writes every event to the structured log
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, events ...Event) error {
	for _, ev := range events {
		log.Info().
			Str("service", "events").
			Str("event_id", ev.ID).
			Str("type", ev.Type).
			Int64("user_id", ev.UserID).
			Interface("data", ev.Data).
			Msg("event")
	}
	return nil
}

// Multi fans events out to every publisher. A failing publisher does not
// stop the others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
