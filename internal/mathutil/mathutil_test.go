package mathutil

import (
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckedOps(t *testing.T) {
	sum, err := Add(2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), sum)

	_, err = Add(math.MaxUint64, 1)
	assert.ErrorIs(t, err, types.ErrMathOverflow)

	_, err = Sub(1, 2)
	assert.ErrorIs(t, err, types.ErrMathOverflow)

	_, err = Mul(math.MaxUint64, 2)
	assert.ErrorIs(t, err, types.ErrMathOverflow)

	product, err := Mul(1<<32, 1<<31)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63), product)
}

func TestMulDiv(t *testing.T) {
	// intermediate exceeds 64 bits but the quotient fits
	got, err := MulDiv(math.MaxUint64, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got)

	_, err = MulDiv(math.MaxUint64, 2, 1)
	assert.ErrorIs(t, err, types.ErrMathOverflow)

	_, err = MulDiv(1, 1, 0)
	assert.ErrorIs(t, err, types.ErrMathOverflow)
}

func TestApplyFee(t *testing.T) {
	tests := []struct {
		name    string
		amount  uint64
		bps     uint16
		wantNet uint64
		wantFee uint64
	}{
		{"duel pool", 200, 250, 195, 5},
		{"uniswap fee", 1_000_000, 30, 997_000, 3_000},
		{"rounds fee down", 99, 30, 99, 0},
		{"zero fee", 500, 0, 500, 0},
		{"full fee", 500, 10_000, 0, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net, fee, err := ApplyFee(tt.amount, tt.bps)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNet, net)
			assert.Equal(t, tt.wantFee, fee)
			assert.Equal(t, tt.amount, net+fee)
		})
	}

	_, _, err := ApplyFee(100, 10_001)
	assert.ErrorIs(t, err, types.ErrInvalidFee)
}

func TestApplyFeeUp(t *testing.T) {
	net, fee, err := ApplyFeeUp(100, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fee)
	assert.Equal(t, uint64(99), net)

	net, fee, err = ApplyFeeUp(10_000, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), fee, "exact fees are not rounded")
	assert.Equal(t, uint64(9_970), net)

	net, fee, err = ApplyFeeUp(100, 0)
	require.NoError(t, err)
	assert.Zero(t, fee)
	assert.Equal(t, uint64(100), net)

	_, fee, err = ApplyFeeUp(math.MaxUint64, 10_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), fee)
}

func TestISqrt(t *testing.T) {
	for _, n := range []uint64{0, 1, 2, 3, 4, 15, 16, 17, 1_000_000, math.MaxUint32} {
		root, err := ISqrt(uint256.NewInt(n))
		require.NoError(t, err)
		assert.LessOrEqual(t, root*root, n)
		assert.Greater(t, (root+1)*(root+1), n)
	}

	wide := new(uint256.Int).Mul(uint256.NewInt(math.MaxUint64), uint256.NewInt(math.MaxUint64))
	root, err := ISqrt(wide)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), root)

	_, err = ISqrt(new(uint256.Int).Lsh(uint256.NewInt(1), 130))
	assert.ErrorIs(t, err, types.ErrMathOverflow)
}
