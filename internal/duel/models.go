package duel

import (
	"time"

	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/types"
	"gorm.io/gorm"
)

type Status string

const (
	StatusWaitingForOpponent Status = "WAITING_FOR_OPPONENT"
	StatusCountdown          Status = "COUNTDOWN"
	StatusActive             Status = "ACTIVE"
	StatusResolved           Status = "RESOLVED"
	StatusCancelled          Status = "CANCELLED"
)

// Terminal reports whether no further operation may touch the duel.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// Duel is one two-party escrow. Both stakes sit in the duel's vault until
// it is resolved or cancelled.
type Duel struct {
	gorm.Model  `json:"-"`
	DuelID      string            `gorm:"uniqueIndex" json:"duel_id"`
	Player1     types.Address     `gorm:"index" json:"player_1"`
	Player2     types.Address     `gorm:"index" json:"player_2,omitempty"`
	StakeAmount uint64            `json:"stake_amount"`
	Prediction1 types.Prediction  `json:"prediction_1"`
	Prediction2 *types.Prediction `json:"prediction_2,omitempty"`
	EntryPrice  uint64            `json:"entry_price"`
	ExitPrice   uint64            `json:"exit_price"`
	Winner      types.Address     `json:"winner,omitempty"`
	Payout      uint64            `json:"payout"`
	Fee         uint64            `json:"fee"`
	Status      Status            `gorm:"index" json:"status"`
	OpenedAt    types.Timestamp   `json:"opened_at"`
	JoinedAt    types.Timestamp   `json:"joined_at,omitempty"`
	StartedAt   types.Timestamp   `json:"started_at,omitempty"`
	ResolvedAt  types.Timestamp   `json:"resolved_at,omitempty"`
	CancelledAt types.Timestamp   `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Vault is the ledger balance holding the stakes.
func (d *Duel) Vault() types.Address {
	return ledger.VaultAddress(d.DuelID)
}

func (d *Duel) Joined() bool {
	return d.Player2 != ""
}

type CreateDuelRequest struct {
	Stake      uint64            `json:"stake" binding:"required"`
	Prediction *types.Prediction `json:"prediction" binding:"required"`
}

type JoinDuelRequest struct {
	Prediction *types.Prediction `json:"prediction" binding:"required"`
}

type PriceRequest struct {
	Price uint64 `json:"price" binding:"required"`
}
