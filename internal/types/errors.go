package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrder           = errors.New("invalid order")
	ErrInsufficientCredit     = errors.New("credit is insufficient")
	ErrOrderNotFound          = errors.New("order not found")
	ErrOrderAlreadyClosed     = errors.New("order is already closed")
	ErrSettlementFailed       = errors.New("settlement failed")
	ErrBankGatewayUnavailable = errors.New("bank gateway unavailable")
	ErrInvalidUser            = errors.New("invalid user")
	ErrUserNotFound           = errors.New("user not found")
	ErrUserConflict           = errors.New("bank id already registered")
)

// SettlementError describes a settlement that was abandoned after reaching the bank
type SettlementError struct {
	BuyOrderID  int64
	SellOrderID int64
	Stage       string
	// FailedOrderID is the order closed with StatusError after the bank
	// permanently refused its hold, or zero
	FailedOrderID int64
	Err           error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement of buy %d / sell %d failed at %s: %v", e.BuyOrderID, e.SellOrderID, e.Stage, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

func (e *SettlementError) Is(target error) bool {
	return target == ErrSettlementFailed
}
