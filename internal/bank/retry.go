package bank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Retrying bounds every call with a timeout and retries transient failures
// with exponential backoff. Permanent errors are returned immediately.
type Retrying struct {
	next       Gateway
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
}

func NewRetrying(next Gateway, timeout time.Duration, maxRetries int, backoff time.Duration) *Retrying {
	return &Retrying{
		next:       next,
		timeout:    timeout,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

func (r *Retrying) CheckBalance(ctx context.Context, account Account) (int64, error) {
	var balance int64
	err := r.do(ctx, "check_balance", func(ctx context.Context) error {
		var err error
		balance, err = r.next.CheckBalance(ctx, account)
		return err
	})
	return balance, err
}

func (r *Retrying) Reserve(ctx context.Context, account Account, amount int64) (HoldID, error) {
	var id HoldID
	err := r.do(ctx, "reserve", func(ctx context.Context) error {
		var err error
		id, err = r.next.Reserve(ctx, account, amount)
		return err
	})
	return id, err
}

func (r *Retrying) Commit(ctx context.Context, hold HoldID, amount int64, to Account) error {
	return r.do(ctx, "commit", func(ctx context.Context) error {
		return r.next.Commit(ctx, hold, amount, to)
	})
}

func (r *Retrying) Cancel(ctx context.Context, hold HoldID) error {
	return r.do(ctx, "cancel", func(ctx context.Context) error {
		return r.next.Cancel(ctx, hold)
	})
}

func (r *Retrying) Reverse(ctx context.Context, hold HoldID, amount int64, from Account) error {
	return r.do(ctx, "reverse", func(ctx context.Context) error {
		return r.next.Reverse(ctx, hold, amount, from)
	})
}

func (r *Retrying) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	// One key for all attempts so the ledger applies the call at most once
	if IdempotencyKey(ctx) == "" {
		ctx = WithIdempotencyKey(ctx, uuid.New().String())
	}

	delay := r.backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = r.attempt(ctx, call)
		if err == nil || Permanent(err) {
			return err
		}
		if attempt >= r.maxRetries {
			break
		}

		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("bank call failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, ctx.Err())
		}
		delay *= 2
	}

	return fmt.Errorf("%s gave up after %d attempts: %w", op, r.maxRetries+1, err)
}

func (r *Retrying) attempt(ctx context.Context, call func(ctx context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	err := call(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

var _ Gateway = (*Retrying)(nil)
