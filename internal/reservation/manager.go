// Package reservation guarantees that every order on the book is backed by a
// hold on the bank ledger, and turns those holds into transfers on settlement.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ksred/klear-exchange/internal/bank"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
)

// Handle correlates an order with its hold on the ledger
type Handle struct {
	HoldID  bank.HoldID
	Account bank.Account
	Amount  int64
}

type Manager struct {
	gateway bank.Gateway
}

func NewManager(gateway bank.Gateway) *Manager {
	return &Manager{gateway: gateway}
}

// Required returns how much must be held to back an order: amount*price of
// cash for a buy, amount of coin for a sell.
func Required(side types.Side, amount, price int64) (int64, error) {
	if !side.Valid() || amount <= 0 || price <= 0 {
		return 0, fmt.Errorf("%w: side=%q amount=%d price=%d", types.ErrInvalidOrder, side, amount, price)
	}
	if side == types.SideSell {
		return amount, nil
	}
	if amount > math.MaxInt64/price {
		return 0, fmt.Errorf("%w: amount*price overflows", types.ErrInvalidOrder)
	}
	return amount * price, nil
}

// AccountFor is the account an order of side draws from
func AccountFor(bankID string, side types.Side) bank.Account {
	if side == types.SideBuy {
		return bank.Account{BankID: bankID, Asset: bank.Cash}
	}
	return bank.Account{BankID: bankID, Asset: bank.Coin}
}

// ProceedsAccount is the account an order of side is paid into
func ProceedsAccount(bankID string, side types.Side) bank.Account {
	return AccountFor(bankID, side.Opposite())
}

// Reserve checks the user's balance and places the hold. It has no side effect
// when the balance is short. Any refusal, including an unreachable bank, is
// reported as ErrInsufficientCredit.
func (m *Manager) Reserve(ctx context.Context, bankID string, side types.Side, amount, price int64) (Handle, error) {
	required, err := Required(side, amount, price)
	if err != nil {
		return Handle{}, err
	}
	account := AccountFor(bankID, side)

	balance, err := m.gateway.CheckBalance(ctx, account)
	if err != nil {
		return Handle{}, refusal(err)
	}
	if balance < required {
		return Handle{}, fmt.Errorf("%w: need %d %s, have %d", types.ErrInsufficientCredit, required, account.Asset, balance)
	}

	holdID, err := m.gateway.Reserve(ctx, account, required)
	if err != nil {
		return Handle{}, refusal(err)
	}

	log.Debug().
		Str("service", "reservation").
		Str("bank_id", bankID).
		Str("hold_id", string(holdID)).
		Int64("amount", required).
		Msg("hold placed")

	return Handle{HoldID: holdID, Account: account, Amount: required}, nil
}

// Release cancels whatever is left of a hold. Releasing a hold that is
// already gone succeeds.
func (m *Manager) Release(ctx context.Context, holdID bank.HoldID) error {
	err := m.gateway.Cancel(ctx, holdID)
	if errors.Is(err, bank.ErrHoldNotFound) {
		return nil
	}
	return err
}

// Commit transfers amount out of the hold into to
func (m *Manager) Commit(ctx context.Context, holdID bank.HoldID, amount int64, to bank.Account) error {
	if err := m.gateway.Commit(ctx, holdID, amount, to); err != nil {
		return fmt.Errorf("commit %d from %s: %w", amount, holdID, err)
	}
	return nil
}

// Compensate reverses a commit, returning amount from the counterparty into the hold
func (m *Manager) Compensate(ctx context.Context, holdID bank.HoldID, amount int64, from bank.Account) error {
	if err := m.gateway.Reverse(ctx, holdID, amount, from); err != nil {
		return fmt.Errorf("reverse %d into %s: %w", amount, holdID, err)
	}
	return nil
}

func refusal(err error) error {
	if errors.Is(err, bank.ErrUnavailable) {
		return fmt.Errorf("%w: %w", types.ErrInsufficientCredit, types.ErrBankGatewayUnavailable)
	}
	return fmt.Errorf("%w: %v", types.ErrInsufficientCredit, err)
}
