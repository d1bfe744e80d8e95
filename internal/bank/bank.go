// Package bank is the client side of the external ledger that holds users'
// cash and coin. The exchange never moves value itself: it places holds,
// commits them as transfers, and releases what is left.
package bank

import (
	"context"
	"errors"
)

type Asset string

const (
	Cash Asset = "cash"
	Coin Asset = "coin"
)

// Account identifies one asset balance of one bank customer
type Account struct {
	BankID string `json:"bank_id"`
	Asset  Asset  `json:"asset"`
}

type HoldID string

var (
	// ErrUnavailable is a transient boundary failure; the call may be retried
	ErrUnavailable = errors.New("bank unavailable")
	// ErrInsufficientFunds means the account cannot cover the request
	ErrInsufficientFunds = errors.New("credit is insufficient")
	// ErrHoldNotFound means the hold does not exist or was already released
	ErrHoldNotFound = errors.New("hold not found")
	// ErrRejected is a permanent refusal of the request
	ErrRejected = errors.New("rejected by bank")
)

// Gateway is the set of calls the exchange makes against the ledger
type Gateway interface {
	// CheckBalance returns the amount available for new holds
	CheckBalance(ctx context.Context, account Account) (int64, error)
	// Reserve places a hold of amount on account
	Reserve(ctx context.Context, account Account, amount int64) (HoldID, error)
	// Commit transfers amount out of the hold into to. Whatever remains stays held.
	Commit(ctx context.Context, hold HoldID, amount int64, to Account) error
	// Cancel releases the remainder of the hold
	Cancel(ctx context.Context, hold HoldID) error
	// Reverse undoes a commit: amount moves from from back into the hold
	Reverse(ctx context.Context, hold HoldID, amount int64, from Account) error
}

// Permanent reports whether err should not be retried
func Permanent(err error) bool {
	return err != nil && !errors.Is(err, ErrUnavailable)
}

type idempotencyKey struct{}

// WithIdempotencyKey tags ctx so that every attempt of one logical call
// carries the same key to the ledger
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}
