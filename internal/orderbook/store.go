package orderbook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gorm.io/gorm"
)

// Store is the durable record of orders and trades. Queries run on the
// injected connection pool; Begin scopes them to a transaction.
type Store struct {
	repo
	locks *Locks
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		repo:  repo{db: db},
		locks: NewLocks(),
	}
}

// Locks returns the per-order locks shared by everything that mutates this store
func (s *Store) Locks() *Locks {
	return s.locks
}

// UnitOfWork is a transaction exposing the store's operations. Commit on
// success; Rollback is safe to defer and does nothing after Commit.
type UnitOfWork struct {
	repo
	finished bool
}

func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx := s.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{repo: repo{db: tx}}, nil
}

func (u *UnitOfWork) Commit() error {
	if u.finished {
		return nil
	}
	u.finished = true
	return u.db.Commit().Error
}

func (u *UnitOfWork) Rollback() {
	if u.finished {
		return
	}
	u.finished = true
	u.db.Rollback()
}

// Transaction runs fn in a unit of work, committing when fn returns nil
func (s *Store) Transaction(ctx context.Context, fn func(uow *UnitOfWork) error) (err error) {
	uow, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			uow.Rollback()
			panic(r)
		}
	}()

	if err := fn(uow); err != nil {
		uow.Rollback()
		return err
	}
	return uow.Commit()
}

// Locks serialises work on individual orders inside the process
type Locks struct {
	mu   sync.Mutex
	held map[int64]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{held: make(map[int64]*orderLock)}
}

// Lock acquires the locks of all ids in ascending order and returns the release func
func (l *Locks) Lock(ids ...int64) (unlock func()) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	acquired := make([]int64, 0, len(sorted))
	for i, id := range sorted {
		if i > 0 && sorted[i-1] == id {
			continue
		}
		l.acquire(id)
		acquired = append(acquired, id)
	}

	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			l.release(acquired[i])
		}
	}
}

func (l *Locks) acquire(id int64) {
	l.mu.Lock()
	lock, ok := l.held[id]
	if !ok {
		lock = &orderLock{}
		l.held[id] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
}

func (l *Locks) release(id int64) {
	l.mu.Lock()
	lock := l.held[id]
	lock.refs--
	if lock.refs == 0 {
		delete(l.held, id)
	}
	l.mu.Unlock()

	lock.mu.Unlock()
}
