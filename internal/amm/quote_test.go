package amm

import (
	"context"
	"testing"

	"github.com/ksred/klear-markets/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteBuy_MatchesExecution(t *testing.T) {
	h := newHarness(t)
	pool := h.createPool(t, 1_000, 30)

	quote, err := QuoteBuy(pool, h.clock.Now(), types.OutcomeYes, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), quote.GrossOut)
	assert.Equal(t, uint64(1), quote.Fee)
	assert.Equal(t, uint64(99), quote.NetOut)
	assert.Equal(t, uint64(98), quote.MinReceived)
	assert.True(t, quote.PriceAfter.GreaterThan(quote.PriceBefore))
	assert.True(t, quote.PriceImpact.IsPositive())
	assert.Equal(t, uint64(500), pool.NoReserve, "quoting leaves the pool alone")

	event, err := h.engine.Buy(context.Background(), pool, positionFor(pool, "alice"), "alice", types.OutcomeYes, 100, quote.MinReceived)
	require.NoError(t, err)
	assert.Equal(t, quote.NetOut, event.TokensReceived)
	assert.True(t, pool.ImpliedPrice(types.OutcomeYes).Equal(quote.PriceAfter))
}

func TestQuoteSell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.createPool(t, 1_000_000, 30)
	pos := positionFor(pool, "bob")
	_, err := h.engine.Buy(ctx, pool, pos, "bob", types.OutcomeNo, 500_000, 0)
	require.NoError(t, err)

	quote, err := QuoteSell(pool, h.clock.Now(), types.OutcomeNo, pos.NoTokens)
	require.NoError(t, err)
	assert.Equal(t, TradeSideSell, quote.Side)
	assert.Equal(t, quote.GrossOut, quote.NetOut+quote.Fee)
	assert.True(t, quote.PriceAfter.LessThan(quote.PriceBefore))

	event, err := h.engine.Sell(ctx, pool, pos, "bob", types.OutcomeNo, pos.NoTokens, quote.NetOut)
	require.NoError(t, err)
	assert.Equal(t, quote.NetOut, event.ValueReceived)

	_, err = QuoteSell(pool, h.clock.Now(), types.OutcomeNo, 0)
	assert.ErrorIs(t, err, types.ErrInvalidAmount)
	_, err = QuoteBuy(pool, h.clock.Now(), types.Outcome(3), 10)
	assert.ErrorIs(t, err, types.ErrInvalidOutcome)
}

func TestQuote_RejectsUntradablePools(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	closed := h.createPool(t, 1_000_000, 30)
	_, err := h.engine.UpdateStatus(ctx, closed, testAuthority, PoolStatusClosed)
	require.NoError(t, err)
	_, err = QuoteBuy(closed, h.clock.Now(), types.OutcomeYes, 100)
	assert.ErrorIs(t, err, types.ErrPoolNotActive)
	_, err = QuoteSell(closed, h.clock.Now(), types.OutcomeYes, 100)
	assert.ErrorIs(t, err, types.ErrPoolNotActive)

	open := h.createPool(t, 1_000_000, 30)
	h.clock.Advance(3_600)
	_, err = QuoteBuy(open, h.clock.Now(), types.OutcomeYes, 100)
	assert.ErrorIs(t, err, types.ErrPoolExpired)
	_, err = h.engine.Buy(ctx, open, positionFor(open, "alice"), "alice", types.OutcomeYes, 100, 0)
	assert.ErrorIs(t, err, types.ErrPoolExpired, "quote and trade agree")

	_, err = h.engine.Resolve(ctx, open, testResolver, types.OutcomeNo)
	require.NoError(t, err)
	_, err = QuoteSell(open, h.clock.Now(), types.OutcomeNo, 100)
	assert.ErrorIs(t, err, types.ErrPoolNotActive)
}

func TestLiquidityDepth(t *testing.T) {
	h := newHarness(t)
	pool := h.createPool(t, 1_000, 30)
	assert.Equal(t, uint64(5_000_000_500), LiquidityDepth(pool))
}
