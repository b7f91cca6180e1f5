package amm

import (
	"math/big"
	"time"

	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PoolStatus string

const (
	PoolStatusActive   PoolStatus = "ACTIVE"
	PoolStatusClosed   PoolStatus = "CLOSED"
	PoolStatusResolved PoolStatus = "RESOLVED"
)

// Pool is one binary market. YesReserve and NoReserve are transfer-backed;
// the base liquidity only enters the pricing curve.
type Pool struct {
	gorm.Model       `json:"-"`
	PoolID           string          `gorm:"uniqueIndex" json:"pool_id"`
	Authority        types.Address   `gorm:"index" json:"authority"`
	Question         string          `json:"question"`
	ResolutionTime   types.Timestamp `json:"resolution_time"`
	YesReserve       uint64          `json:"yes_reserve"`
	NoReserve        uint64          `json:"no_reserve"`
	BaseYesLiquidity uint64          `json:"base_yes_liquidity"`
	BaseNoLiquidity  uint64          `json:"base_no_liquidity"`
	FeeBps           uint16          `json:"fee_bps"`
	Outcome          *types.Outcome  `json:"outcome,omitempty"`
	Status           PoolStatus      `gorm:"index" json:"status"`
	InitialLiquidity uint64          `json:"initial_liquidity"`
	SellFeesRetained uint64          `json:"sell_fees_retained"`
	TotalClaimed     uint64          `json:"total_claimed"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Vault is the ledger balance holding the pool's real value.
func (p *Pool) Vault() types.Address {
	return ledger.VaultAddress(p.PoolID)
}

func (p *Pool) Reserve(o types.Outcome) uint64 {
	if o == types.OutcomeYes {
		return p.YesReserve
	}
	return p.NoReserve
}

func (p *Pool) Base(o types.Outcome) uint64 {
	if o == types.OutcomeYes {
		return p.BaseYesLiquidity
	}
	return p.BaseNoLiquidity
}

func (p *Pool) setReserve(o types.Outcome, v uint64) {
	if o == types.OutcomeYes {
		p.YesReserve = v
	} else {
		p.NoReserve = v
	}
}

// ImpliedPrice is the marginal probability the curve assigns to o, in [0, 1].
func (p *Pool) ImpliedPrice(o types.Outcome) decimal.Decimal {
	own := dec(p.Reserve(o)).Add(dec(p.Base(o)))
	other := dec(p.Reserve(o.Opposite())).Add(dec(p.Base(o.Opposite())))
	total := own.Add(other)
	if total.IsZero() {
		return decimal.NewFromFloat(0.5)
	}
	return other.Div(total)
}

func dec(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Trade is the history record of one buy or sell.
type Trade struct {
	gorm.Model `json:"-"`
	TradeID    string        `gorm:"uniqueIndex" json:"trade_id"`
	PoolID     string        `gorm:"index" json:"pool_id"`
	User       types.Address `gorm:"index" json:"user"`
	Side       TradeSide     `json:"side"`
	Outcome    types.Outcome `json:"outcome"`
	// Value moved through the ledger: paid in on buy, received on sell.
	Value     uint64          `json:"value"`
	Tokens    uint64          `json:"tokens"`
	Fee       uint64          `json:"fee"`
	Timestamp types.Timestamp `json:"timestamp"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type PoolResponse struct {
	*Pool
	YesPrice       decimal.Decimal `json:"yes_price"`
	NoPrice        decimal.Decimal `json:"no_price"`
	LiquidityDepth uint64          `json:"liquidity_depth"`
}

type CreatePoolRequest struct {
	Question         string          `json:"question" binding:"required"`
	ResolutionTime   types.Timestamp `json:"resolution_time" binding:"required"`
	InitialLiquidity uint64          `json:"initial_liquidity" binding:"required"`
	FeeBps           *uint16         `json:"fee_bps"`
}

type TradeRequest struct {
	Outcome *types.Outcome `json:"outcome" binding:"required"`
	Amount  uint64         `json:"amount" binding:"required"`
	// MinOut is min_tokens_out on buy and min_value_out on sell.
	MinOut uint64 `json:"min_out"`
}

type ResolvePoolRequest struct {
	Outcome *types.Outcome `json:"outcome" binding:"required"`
}

type UpdateStatusRequest struct {
	Status PoolStatus `json:"status" binding:"required"`
}

type ClaimResponse struct {
	PoolID string        `json:"pool_id"`
	User   types.Address `json:"user"`
	Amount uint64        `json:"amount"`
}
