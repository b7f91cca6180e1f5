package amm

import (
	"github.com/ksred/klear-markets/internal/mathutil"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/shopspring/decimal"
)

// DefaultSlippageBps is the tolerance applied to a quote's MinReceived.
const DefaultSlippageBps = 50

// Quote previews a trade without moving value or touching the pool.
type Quote struct {
	PoolID       string          `json:"pool_id"`
	Side         TradeSide       `json:"side"`
	Outcome      types.Outcome   `json:"outcome"`
	Amount       uint64          `json:"amount"`
	GrossOut     uint64          `json:"gross_out"`
	Fee          uint64          `json:"fee"`
	NetOut       uint64          `json:"net_out"`
	AveragePrice decimal.Decimal `json:"average_price"`
	PriceBefore  decimal.Decimal `json:"price_before"`
	PriceAfter   decimal.Decimal `json:"price_after"`
	PriceImpact  decimal.Decimal `json:"price_impact"`
	MinReceived  uint64          `json:"min_received"`
}

// QuoteBuy previews spending amount on outcome at time now. A pool that
// would reject the buy yields the same error here.
func QuoteBuy(pool *Pool, now types.Timestamp, outcome types.Outcome, amount uint64) (*Quote, error) {
	if err := checkTradable(pool, now); err != nil {
		return nil, err
	}
	if !outcome.Valid() {
		return nil, types.ErrInvalidOutcome
	}
	if amount == 0 {
		return nil, types.ErrInvalidAmount
	}
	result, err := quoteBuy(pool, outcome, amount)
	if err != nil {
		return nil, err
	}

	after := *pool
	input := outcome.Opposite()
	reserve, err := mathutil.Add(after.Reserve(input), amount)
	if err != nil {
		return nil, err
	}
	after.setReserve(input, reserve)

	q := newQuote(pool, &after, TradeSideBuy, outcome, amount, result)
	if result.Net > 0 {
		q.AveragePrice = dec(amount).Div(dec(result.Net))
	}
	return q, nil
}

// QuoteSell previews selling tokens shares of outcome at time now.
func QuoteSell(pool *Pool, now types.Timestamp, outcome types.Outcome, tokens uint64) (*Quote, error) {
	if err := checkTradable(pool, now); err != nil {
		return nil, err
	}
	if !outcome.Valid() {
		return nil, types.ErrInvalidOutcome
	}
	if tokens == 0 {
		return nil, types.ErrInvalidAmount
	}
	result, err := quoteSell(pool, outcome, tokens)
	if err != nil {
		return nil, err
	}

	after := *pool
	output := outcome.Opposite()
	after.setReserve(output, after.Reserve(output)-result.Gross)

	q := newQuote(pool, &after, TradeSideSell, outcome, tokens, result)
	q.AveragePrice = dec(result.Net).Div(dec(tokens))
	return q, nil
}

func newQuote(before, after *Pool, side TradeSide, outcome types.Outcome, amount uint64, result swapResult) *Quote {
	q := &Quote{
		PoolID:      before.PoolID,
		Side:        side,
		Outcome:     outcome,
		Amount:      amount,
		GrossOut:    result.Gross,
		Fee:         result.Fee,
		NetOut:      result.Net,
		PriceBefore: before.ImpliedPrice(outcome),
		PriceAfter:  after.ImpliedPrice(outcome),
	}
	if !q.PriceBefore.IsZero() {
		q.PriceImpact = q.PriceAfter.Sub(q.PriceBefore).Div(q.PriceBefore)
	}
	// The divisor is a constant so this cannot fail.
	q.MinReceived, _ = mathutil.MulDiv(result.Net, types.BpsDivisor-DefaultSlippageBps, types.BpsDivisor)
	return q
}
