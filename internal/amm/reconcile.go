package amm

import (
	"github.com/shopspring/decimal"
)

// Reconciliation compares a pool's vault balance with its bookkeeping.
// Buys add their full payment to one reserve, sells remove their pre-fee
// value from one reserve while only the post-fee value leaves the vault,
// and claims leave the reserves alone. So for a consistent pool:
//
//	vault == yes_reserve + no_reserve + sell_fees_retained - total_claimed
type Reconciliation struct {
	PoolID           string `json:"pool_id"`
	VaultBalance     uint64 `json:"vault_balance"`
	YesReserve       uint64 `json:"yes_reserve"`
	NoReserve        uint64 `json:"no_reserve"`
	SellFeesRetained uint64 `json:"sell_fees_retained"`
	TotalClaimed     uint64 `json:"total_claimed"`
	// Drift is vault minus the expected balance; zero when consistent.
	Drift    decimal.Decimal `json:"drift"`
	Balanced bool            `json:"balanced"`
}

func Reconcile(pool *Pool, vaultBalance uint64) Reconciliation {
	expected := dec(pool.YesReserve).
		Add(dec(pool.NoReserve)).
		Add(dec(pool.SellFeesRetained)).
		Sub(dec(pool.TotalClaimed))
	drift := dec(vaultBalance).Sub(expected)

	return Reconciliation{
		PoolID:           pool.PoolID,
		VaultBalance:     vaultBalance,
		YesReserve:       pool.YesReserve,
		NoReserve:        pool.NoReserve,
		SellFeesRetained: pool.SellFeesRetained,
		TotalClaimed:     pool.TotalClaimed,
		Drift:            drift,
		Balanced:         drift.IsZero(),
	}
}
