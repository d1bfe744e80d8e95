// Package matching proposes trades from a snapshot of the book. It never
// mutates orders; settlement does that.
package matching

import (
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/tidwall/btree"
)

type Book = btree.BTreeG[*types.Order]

// Snapshot is a point-in-time copy of the open orders of both sides, each
// kept in price-time priority.
type Snapshot struct {
	bids *Book
	asks *Book
}

// Match is a proposed trade between the best bid and the best ask
type Match struct {
	Buy    *types.Order
	Sell   *types.Order
	Price  int64
	Amount int64
}

// earlier is the time priority shared by both sides: creation time, then id
func earlier(a, b *types.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func NewSnapshot(buys, sells []types.Order) *Snapshot {
	// Highest price first
	bids := btree.NewBTreeG(func(a, b *types.Order) bool {
		if a.Price != b.Price {
			return a.Price > b.Price
		}
		return earlier(a, b)
	})
	// Lowest price first
	asks := btree.NewBTreeG(func(a, b *types.Order) bool {
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		return earlier(a, b)
	})

	for i := range buys {
		bids.Set(&buys[i])
	}
	for i := range sells {
		asks.Set(&sells[i])
	}
	return &Snapshot{bids: bids, asks: asks}
}

func (s *Snapshot) BestBid() (*types.Order, bool) {
	return s.bids.Min()
}

func (s *Snapshot) BestAsk() (*types.Order, bool) {
	return s.asks.Min()
}

// Len returns the number of bids and asks in the snapshot
func (s *Snapshot) Len() (bids, asks int) {
	return s.bids.Len(), s.asks.Len()
}

// Remove drops an order from the snapshot, used to skip an order that can no
// longer trade without re-reading the book
func (s *Snapshot) Remove(order *types.Order) {
	if order.Side == types.SideBuy {
		s.bids.Delete(order)
		return
	}
	s.asks.Delete(order)
}

// FindMatch returns the best bid and best ask when they cross
func FindMatch(s *Snapshot) (Match, bool) {
	buy, ok := s.BestBid()
	if !ok {
		return Match{}, false
	}
	sell, ok := s.BestAsk()
	if !ok {
		return Match{}, false
	}
	if buy.Price < sell.Price {
		return Match{}, false
	}

	return Match{
		Buy:    buy,
		Sell:   sell,
		Price:  ExecutionPrice(buy, sell),
		Amount: min(buy.Amount, sell.Amount),
	}, true
}

// ExecutionPrice is the price of the resting order, the one submitted first.
// Orders created at the same instant fall back to the lower id.
func ExecutionPrice(buy, sell *types.Order) int64 {
	if earlier(sell, buy) {
		return sell.Price
	}
	return buy.Price
}
