package types

import (
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the counter side of the book
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusTrading  OrderStatus = "trading" // claimed by an in-flight settlement
	StatusDone     OrderStatus = "done"
	StatusCanceled OrderStatus = "canceled"
	StatusError    OrderStatus = "error"
)

// Terminal reports whether no further transition is allowed from s
func (s OrderStatus) Terminal() bool {
	return s == StatusDone || s == StatusCanceled || s == StatusError
}

type Order struct {
	ID            int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64       `gorm:"index;not null" json:"user_id"`
	Side          Side        `gorm:"size:4;not null" json:"type"`
	Amount        int64       `gorm:"not null" json:"amount"`
	Price         int64       `gorm:"not null" json:"price"`
	Status        OrderStatus `gorm:"size:8;index;not null" json:"status"`
	TradeID       *int64      `gorm:"index" json:"trade_id,omitempty"`
	ParentID      *int64      `json:"parent_id,omitempty"`
	ReservationID string      `gorm:"size:64" json:"-"`
	CreatedAt     time.Time   `gorm:"not null" json:"created_at"`
	ClosedAt      *time.Time  `json:"closed_at,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

type Trade struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Price     int64     `gorm:"not null" json:"price"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`
}

func (Trade) TableName() string {
	return "trades"
}

type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BankID    string    `gorm:"uniqueIndex;size:64;not null" json:"bank_id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

// SettlementFailure records a settlement that reached the bank and could not complete.
// Rows with Compensated=false need manual reconciliation.
type SettlementFailure struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	BuyOrderID  int64      `gorm:"index" json:"buy_order_id"`
	SellOrderID int64      `gorm:"index" json:"sell_order_id"`
	Stage       string     `gorm:"size:32" json:"stage"`
	Reason      string     `json:"reason"`
	Compensated bool       `gorm:"index" json:"compensated"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type IdempotencyRecord struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	IdempotencyKey string    `gorm:"uniqueIndex;size:128" json:"idempotency_key"`
	UserID         int64     `json:"user_id"`
	OrderID        int64     `json:"order_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// TradedOrder is the display projection of an order joined with its owner and trade
type TradedOrder struct {
	Order
	User  *UserView `gorm:"-" json:"user,omitempty"`
	Trade *Trade    `gorm:"-" json:"trade,omitempty"`
}

type UserView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type BucketWidth string

const (
	BySecond BucketWidth = "second"
	ByMinute BucketWidth = "minute"
	ByHour   BucketWidth = "hour"
)

func (w BucketWidth) Duration() time.Duration {
	switch w {
	case BySecond:
		return time.Second
	case ByMinute:
		return time.Minute
	case ByHour:
		return time.Hour
	}
	return 0
}

func (w BucketWidth) Valid() bool {
	return w.Duration() > 0
}

type Candle struct {
	Time   time.Time   `json:"time"`
	Width  BucketWidth `json:"width"`
	Open   int64       `json:"open"`
	Close  int64       `json:"close"`
	High   int64       `json:"high"`
	Low    int64       `json:"low"`
	Volume int64       `json:"volume"`
}
