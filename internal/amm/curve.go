package amm

import (
	"github.com/holiman/uint256"
	"github.com/ksred/klear-markets/internal/mathutil"
	"github.com/ksred/klear-markets/internal/types"
)

// swapOutput runs the constant-product curve over the combined real and
// virtual totals: adding amountIn to the input side releases the returned
// amount from the output side. Intermediates are 256-bit.
func swapOutput(reserveIn, baseIn, reserveOut, baseOut, amountIn uint64) (uint64, error) {
	totalIn := new(uint256.Int).Add(uint256.NewInt(reserveIn), uint256.NewInt(baseIn))
	totalOut := new(uint256.Int).Add(uint256.NewInt(reserveOut), uint256.NewInt(baseOut))
	if totalOut.IsZero() {
		return 0, types.ErrInsufficientLiquidity
	}

	k := new(uint256.Int).Mul(totalIn, totalOut)
	newTotalIn := new(uint256.Int).Add(totalIn, uint256.NewInt(amountIn))
	if newTotalIn.IsZero() {
		return 0, types.ErrMathOverflow
	}
	newTotalOut := new(uint256.Int).Div(k, newTotalIn)
	if newTotalOut.Gt(totalOut) {
		return 0, types.ErrInsufficientLiquidity
	}

	gross, err := mathutil.ToUint64(new(uint256.Int).Sub(totalOut, newTotalOut))
	if err != nil {
		return 0, err
	}
	if gross == 0 {
		return 0, types.ErrInsufficientLiquidity
	}
	return gross, nil
}

// swapResult is a fully computed trade, before any value moves.
type swapResult struct {
	Gross uint64
	Fee   uint64
	Net   uint64
}

// quoteBuy prices buying outcome with amount of value. The input side is
// the opposite outcome; the output is shares of outcome.
func quoteBuy(pool *Pool, outcome types.Outcome, amount uint64) (swapResult, error) {
	in := outcome.Opposite()
	gross, err := swapOutput(pool.Reserve(in), pool.Base(in), pool.Reserve(outcome), pool.Base(outcome), amount)
	if err != nil {
		return swapResult{}, err
	}
	// Rounded up so any non-zero fee leaves net strictly below gross: a
	// 100 unit buy at 30 bps yields 99 shares, not 100.
	net, fee, err := mathutil.ApplyFeeUp(gross, pool.FeeBps)
	if err != nil {
		return swapResult{}, err
	}
	return swapResult{Gross: gross, Fee: fee, Net: net}, nil
}

// quoteSell prices selling tokens shares of outcome. The shares enter the
// outcome side of the curve; value leaves the opposite side, and the whole
// pre-fee value must be covered by that side's real reserve.
func quoteSell(pool *Pool, outcome types.Outcome, tokens uint64) (swapResult, error) {
	out := outcome.Opposite()
	gross, err := swapOutput(pool.Reserve(outcome), pool.Base(outcome), pool.Reserve(out), pool.Base(out), tokens)
	if err != nil {
		return swapResult{}, err
	}
	if gross > pool.Reserve(out) {
		return swapResult{}, types.ErrInsufficientLiquidity
	}
	// Rounded up, as for buys.
	net, fee, err := mathutil.ApplyFeeUp(gross, pool.FeeBps)
	if err != nil {
		return swapResult{}, err
	}
	return swapResult{Gross: gross, Fee: fee, Net: net}, nil
}

// LiquidityDepth is the geometric mean of the combined sides.
func LiquidityDepth(pool *Pool) uint64 {
	yes := new(uint256.Int).Add(uint256.NewInt(pool.YesReserve), uint256.NewInt(pool.BaseYesLiquidity))
	no := new(uint256.Int).Add(uint256.NewInt(pool.NoReserve), uint256.NewInt(pool.BaseNoLiquidity))
	depth, err := mathutil.ISqrt(new(uint256.Int).Mul(yes, no))
	if err != nil {
		return 0
	}
	return depth
}
