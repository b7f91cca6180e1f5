package position

import (
	"time"

	"github.com/ksred/klear-markets/internal/mathutil"
	"github.com/ksred/klear-markets/internal/types"
	"gorm.io/gorm"
)

// Position is one user's outstanding share balance in one pool. Shares are
// virtual claims, redeemable 1:1 only after the pool resolves their way.
type Position struct {
	gorm.Model `json:"-"`
	User       types.Address `gorm:"uniqueIndex:idx_position_user_pool" json:"user"`
	PoolID     string        `gorm:"uniqueIndex:idx_position_user_pool" json:"pool_id"`
	YesTokens  uint64        `json:"yes_tokens"`
	NoTokens   uint64        `json:"no_tokens"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Key identifies a position.
type Key struct {
	User   types.Address
	PoolID string
}

func (p *Position) Key() Key {
	return Key{User: p.User, PoolID: p.PoolID}
}

// Balance returns the share count on one side.
func (p *Position) Balance(outcome types.Outcome) uint64 {
	if outcome == types.OutcomeYes {
		return p.YesTokens
	}
	return p.NoTokens
}

// Credit adds shares to one side.
func (p *Position) Credit(outcome types.Outcome, amount uint64) error {
	next, err := mathutil.Add(p.Balance(outcome), amount)
	if err != nil {
		return err
	}
	p.set(outcome, next)
	return nil
}

// Debit removes shares from one side, refusing to go below zero.
func (p *Position) Debit(outcome types.Outcome, amount uint64) error {
	if p.Balance(outcome) < amount {
		return types.ErrInsufficientTokens
	}
	p.set(outcome, p.Balance(outcome)-amount)
	return nil
}

// Clear zeroes both sides.
func (p *Position) Clear() {
	p.YesTokens = 0
	p.NoTokens = 0
}

func (p *Position) set(outcome types.Outcome, v uint64) {
	if outcome == types.OutcomeYes {
		p.YesTokens = v
	} else {
		p.NoTokens = v
	}
}
