package bank

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type hold struct {
	account   Account
	remaining int64
	released  bool
}

// Simulated is an in-memory ledger. It backs development mode and tests, and
// can inject latency and transient failures.
type Simulated struct {
	mu        sync.Mutex
	available map[Account]int64
	holds     map[HoldID]*hold
	seen      map[string]HoldID // idempotency key -> result

	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64 // 0-1, probability of a transient failure per call

	// Opening is credited to every account the first time it is seen
	Opening map[Asset]int64
	opened  map[Account]bool

	failures map[string][]error
	rejected map[HoldID]bool
}

func NewSimulated() *Simulated {
	return &Simulated{
		available: make(map[Account]int64),
		holds:     make(map[HoldID]*hold),
		seen:      make(map[string]HoldID),
		opened:    make(map[Account]bool),
		failures:  make(map[string][]error),
		rejected:  make(map[HoldID]bool),
	}
}

// Deposit credits account outside of any hold
func (s *Simulated) Deposit(account Account, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available[account] += amount
}

// Balance returns the available (unheld) amount
func (s *Simulated) Balance(account Account) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(account)
	return s.available[account]
}

// Held returns the total amount currently held on account
func (s *Simulated) Held(account Account) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, h := range s.holds {
		if h.account == account && !h.released {
			total += h.remaining
		}
	}
	return total
}

// FailNext makes the next calls of op ("check", "reserve", "commit", "cancel",
// "reverse") return the given errors, one per call. A nil entry lets that call
// through.
func (s *Simulated) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Reject makes every future commit against hold fail permanently
func (s *Simulated) Reject(id HoldID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[id] = true
}

func (s *Simulated) CheckBalance(ctx context.Context, account Account) (int64, error) {
	if err := s.enter(ctx, "check"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	s.touch(account)
	return s.available[account], nil
}

func (s *Simulated) Reserve(ctx context.Context, account Account, amount int64) (HoldID, error) {
	if err := s.enter(ctx, "reserve"); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	key := IdempotencyKey(ctx)
	if id, ok := s.seen[key]; ok && key != "" {
		return id, nil
	}
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	s.touch(account)
	if s.available[account] < amount {
		return "", ErrInsufficientFunds
	}

	id := HoldID("HOLD_" + uuid.New().String())
	s.available[account] -= amount
	s.holds[id] = &hold{account: account, remaining: amount}
	if key != "" {
		s.seen[key] = id
	}
	return id, nil
}

func (s *Simulated) Commit(ctx context.Context, id HoldID, amount int64, to Account) error {
	if err := s.enter(ctx, "commit"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.replayed(ctx) {
		return nil
	}
	h, ok := s.holds[id]
	if !ok || h.released {
		return ErrHoldNotFound
	}
	if s.rejected[id] {
		return ErrRejected
	}
	if amount <= 0 || amount > h.remaining {
		return fmt.Errorf("%w: commit of %d exceeds hold %d", ErrRejected, amount, h.remaining)
	}

	s.touch(to)
	h.remaining -= amount
	s.available[to] += amount
	s.markApplied(ctx)
	return nil
}

func (s *Simulated) Cancel(ctx context.Context, id HoldID) error {
	if err := s.enter(ctx, "cancel"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	h, ok := s.holds[id]
	if !ok || h.released {
		return ErrHoldNotFound
	}
	s.available[h.account] += h.remaining
	h.remaining = 0
	h.released = true
	return nil
}

func (s *Simulated) Reverse(ctx context.Context, id HoldID, amount int64, from Account) error {
	if err := s.enter(ctx, "reverse"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.replayed(ctx) {
		return nil
	}
	h, ok := s.holds[id]
	if !ok {
		return ErrHoldNotFound
	}
	s.touch(from)
	if s.available[from] < amount {
		return ErrInsufficientFunds
	}

	s.available[from] -= amount
	if h.released {
		s.available[h.account] += amount
	} else {
		h.remaining += amount
	}
	s.markApplied(ctx)
	return nil
}

// enter simulates latency and injected failures, then takes the ledger lock.
// On success the caller owns s.mu.
func (s *Simulated) enter(ctx context.Context, op string) error {
	if s.MaxLatency > 0 {
		latency := s.MinLatency
		if spread := s.MaxLatency - s.MinLatency; spread > 0 {
			latency += time.Duration(rand.Int63n(int64(spread)))
		}
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}

	s.mu.Lock()
	if queued := s.failures[op]; len(queued) > 0 {
		s.failures[op] = queued[1:]
		if queued[0] != nil {
			s.mu.Unlock()
			return queued[0]
		}
		return nil
	}
	if s.FailureRate > 0 && rand.Float64() < s.FailureRate {
		s.mu.Unlock()
		log.Debug().Str("op", op).Msg("simulated bank failure")
		return ErrUnavailable
	}
	return nil
}

// touch applies the opening balance to a new account. Caller holds s.mu.
func (s *Simulated) touch(account Account) {
	if s.opened[account] {
		return
	}
	s.opened[account] = true
	s.available[account] += s.Opening[account.Asset]
}

// replayed reports whether a mutating call with the same idempotency key was
// already applied. Caller holds s.mu.
func (s *Simulated) replayed(ctx context.Context) bool {
	key := IdempotencyKey(ctx)
	if key == "" {
		return false
	}
	_, ok := s.seen[key]
	return ok
}

func (s *Simulated) markApplied(ctx context.Context) {
	if key := IdempotencyKey(ctx); key != "" {
		s.seen[key] = ""
	}
}
