// Package mathutil holds the overflow-checked integer arithmetic used by the
// settlement engines. Every helper returns types.ErrMathOverflow instead of
// wrapping or panicking.
package mathutil

import (
	"math/bits"

	"github.com/holiman/uint256"
	"github.com/ksred/klear-markets/internal/types"
)

// Add returns a + b.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, types.ErrMathOverflow
	}
	return sum, nil
}

// Sub returns a - b.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, types.ErrMathOverflow
	}
	return diff, nil
}

// Mul returns a * b.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, types.ErrMathOverflow
	}
	return lo, nil
}

// MulDiv returns floor(a * b / d) computed with a 256-bit intermediate.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, types.ErrMathOverflow
	}
	product := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	quotient := product.Div(product, uint256.NewInt(d))
	return ToUint64(quotient)
}

// ToUint64 narrows a wide value, failing when it does not fit.
func ToUint64(v *uint256.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, types.ErrMathOverflow
	}
	return v.Uint64(), nil
}

// BpsFee returns floor(amount * bps / 10000).
func BpsFee(amount uint64, bps uint16) (uint64, error) {
	if bps > types.BpsDivisor {
		return 0, types.ErrInvalidFee
	}
	return MulDiv(amount, uint64(bps), types.BpsDivisor)
}

// ApplyFee splits amount into the fee skimmed at bps and the remainder.
// fee + net always equals amount.
func ApplyFee(amount uint64, bps uint16) (net, fee uint64, err error) {
	fee, err = BpsFee(amount, bps)
	if err != nil {
		return 0, 0, err
	}
	net, err = Sub(amount, fee)
	if err != nil {
		return 0, 0, err
	}
	return net, fee, nil
}

// ApplyFeeUp is ApplyFee with the fee rounded up, so any non-zero rate
// charges at least one unit on a non-zero amount.
func ApplyFeeUp(amount uint64, bps uint16) (net, fee uint64, err error) {
	if bps > types.BpsDivisor {
		return 0, 0, types.ErrInvalidFee
	}
	product := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(bps)))
	product.AddUint64(product, types.BpsDivisor-1)
	fee, err = ToUint64(product.Div(product, uint256.NewInt(types.BpsDivisor)))
	if err != nil {
		return 0, 0, err
	}
	net, err = Sub(amount, fee)
	if err != nil {
		return 0, 0, err
	}
	return net, fee, nil
}

// ISqrt returns floor(sqrt(n)).
func ISqrt(n *uint256.Int) (uint64, error) {
	return ToUint64(new(uint256.Int).Sqrt(n))
}
