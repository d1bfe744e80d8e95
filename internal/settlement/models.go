package settlement

import (
	"time"

	"github.com/ksred/klear-exchange/internal/bank"
	"github.com/ksred/klear-exchange/internal/types"
)

// Stages at which a settlement can be abandoned
const (
	StageCommitBuy  = "commit_buy"
	StageCommitSell = "commit_sell"
	StageRecord     = "record"
)

// transfer is one commit of a settlement. key makes every attempt of it the
// same call on the ledger.
type transfer struct {
	key    string
	hold   bank.HoldID
	amount int64
	to     bank.Account
}

// Report lists the settlement state that needs an operator
type Report struct {
	Failures  []types.SettlementFailure `json:"failures"`
	Recent    []types.SettlementFailure `json:"recent"`
	InFlight  []types.Order             `json:"in_flight"`
	Timestamp time.Time                 `json:"timestamp"`
}
