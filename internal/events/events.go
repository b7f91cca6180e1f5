// Package events defines the records emitted on every successful duel or
// pool state transition, and the sinks that carry them to off-chain
// observers. Nothing in the settlement path reads them back.
package events

import (
	"github.com/ksred/klear-markets/internal/types"
)

// Event is one emitted record.
type Event interface {
	// Name is the stable event type, e.g. "duel_created".
	Name() string
	// EntityID is the duel or pool the event belongs to.
	EntityID() string
}

const (
	NameDuelCreated       = "duel_created"
	NameDuelJoined        = "duel_joined"
	NameDuelStarted       = "duel_started"
	NameDuelResolved      = "duel_resolved"
	NameDuelCancelled     = "duel_cancelled"
	NamePoolCreated       = "pool_created"
	NameOutcomeBought     = "outcome_bought"
	NameOutcomeSold       = "outcome_sold"
	NamePoolResolved      = "pool_resolved"
	NameWinningsClaimed   = "winnings_claimed"
	NamePoolStatusUpdated = "pool_status_updated"
)

type DuelCreated struct {
	DuelID     string           `json:"duel_id"`
	Player1    types.Address    `json:"player_1"`
	Amount     uint64           `json:"amount"`
	Prediction types.Prediction `json:"prediction"`
}

func (e DuelCreated) Name() string     { return NameDuelCreated }
func (e DuelCreated) EntityID() string { return e.DuelID }

type DuelJoined struct {
	DuelID     string           `json:"duel_id"`
	Player2    types.Address    `json:"player_2"`
	Prediction types.Prediction `json:"prediction"`
}

func (e DuelJoined) Name() string     { return NameDuelJoined }
func (e DuelJoined) EntityID() string { return e.DuelID }

type DuelStarted struct {
	DuelID     string          `json:"duel_id"`
	EntryPrice uint64          `json:"entry_price"`
	StartedAt  types.Timestamp `json:"started_at"`
}

func (e DuelStarted) Name() string     { return NameDuelStarted }
func (e DuelStarted) EntityID() string { return e.DuelID }

type DuelResolved struct {
	DuelID    string        `json:"duel_id"`
	Winner    types.Address `json:"winner"`
	ExitPrice uint64        `json:"exit_price"`
	Payout    uint64        `json:"payout"`
	Fee       uint64        `json:"fee"`
}

func (e DuelResolved) Name() string     { return NameDuelResolved }
func (e DuelResolved) EntityID() string { return e.DuelID }

type DuelCancelled struct {
	DuelID       string `json:"duel_id"`
	RefundAmount uint64 `json:"refund_amount"`
}

func (e DuelCancelled) Name() string     { return NameDuelCancelled }
func (e DuelCancelled) EntityID() string { return e.DuelID }

type PoolCreated struct {
	PoolID           string          `json:"pool_id"`
	Authority        types.Address   `json:"authority"`
	Question         string          `json:"question"`
	ResolutionTime   types.Timestamp `json:"resolution_time"`
	InitialLiquidity uint64          `json:"initial_liquidity"`
}

func (e PoolCreated) Name() string     { return NamePoolCreated }
func (e PoolCreated) EntityID() string { return e.PoolID }

type OutcomeBought struct {
	PoolID         string        `json:"pool_id"`
	User           types.Address `json:"user"`
	Outcome        types.Outcome `json:"outcome"`
	AmountPaid     uint64        `json:"amount_paid"`
	TokensReceived uint64        `json:"tokens_received"`
	Fee            uint64        `json:"fee"`
}

func (e OutcomeBought) Name() string     { return NameOutcomeBought }
func (e OutcomeBought) EntityID() string { return e.PoolID }

type OutcomeSold struct {
	PoolID        string        `json:"pool_id"`
	User          types.Address `json:"user"`
	Outcome       types.Outcome `json:"outcome"`
	TokensSold    uint64        `json:"tokens_sold"`
	ValueReceived uint64        `json:"value_received"`
	Fee           uint64        `json:"fee"`
}

func (e OutcomeSold) Name() string     { return NameOutcomeSold }
func (e OutcomeSold) EntityID() string { return e.PoolID }

type PoolResolved struct {
	PoolID  string        `json:"pool_id"`
	Outcome types.Outcome `json:"outcome"`
}

func (e PoolResolved) Name() string     { return NamePoolResolved }
func (e PoolResolved) EntityID() string { return e.PoolID }

type WinningsClaimed struct {
	PoolID string        `json:"pool_id"`
	User   types.Address `json:"user"`
	Amount uint64        `json:"amount"`
}

func (e WinningsClaimed) Name() string     { return NameWinningsClaimed }
func (e WinningsClaimed) EntityID() string { return e.PoolID }

type PoolStatusUpdated struct {
	PoolID    string `json:"pool_id"`
	NewStatus string `json:"new_status"`
}

func (e PoolStatusUpdated) Name() string     { return NamePoolStatusUpdated }
func (e PoolStatusUpdated) EntityID() string { return e.PoolID }
