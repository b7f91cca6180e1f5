// Package ledger provides the value-transfer and clock collaborators the
// settlement engines depend on.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ksred/klear-markets/internal/types"
)

// Ledger atomically moves a fixed amount between two named balances. A
// transfer fails as a whole when the authorizer may not debit the source or
// the source balance is insufficient.
type Ledger interface {
	Transfer(ctx context.Context, from, to, authorizer types.Address, amount uint64) error
}

// Clock is a monotonic non-decreasing wall clock.
type Clock interface {
	Now() types.Timestamp
}

// VaultAddress is the balance that holds the value locked by one duel or pool.
func VaultAddress(entityID string) types.Address {
	return types.Address("vault:" + entityID)
}

// authorize reports whether authorizer may debit from. Only the balance
// holder itself can authorize a debit; engine-owned vaults sign with their
// own address.
func authorize(from, authorizer types.Address) error {
	if from == "" || authorizer != from {
		return fmt.Errorf("%w: %s may not debit %s", types.ErrTransferFailed, authorizer, from)
	}
	return nil
}

// Memory is an in-process Ledger used by tests and the simulation.
type Memory struct {
	mu       sync.Mutex
	balances map[types.Address]uint64
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[types.Address]uint64)}
}

// Deposit credits amount to addr out of thin air.
func (m *Memory) Deposit(addr types.Address, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] += amount
}

func (m *Memory) Balance(addr types.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr]
}

// Total returns the sum of every balance.
func (m *Memory) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, b := range m.balances {
		total += b
	}
	return total
}

func (m *Memory) Transfer(_ context.Context, from, to, authorizer types.Address, amount uint64) error {
	if err := authorize(from, authorizer); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[from] < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", types.ErrInsufficientBalance, from, m.balances[from], amount)
	}
	if from == to {
		return nil
	}
	if m.balances[to]+amount < m.balances[to] {
		return types.ErrMathOverflow
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}

// SystemClock reads unix seconds from the host and never goes backwards.
type SystemClock struct {
	last atomic.Int64
}

func (c *SystemClock) Now() types.Timestamp {
	now := time.Now().Unix()
	for {
		last := c.last.Load()
		if now <= last {
			return last
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// ManualClock is a Clock advanced explicitly.
type ManualClock struct {
	now atomic.Int64
}

func NewManualClock(start types.Timestamp) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

func (c *ManualClock) Now() types.Timestamp {
	return c.now.Load()
}

// Advance moves the clock forward by seconds.
func (c *ManualClock) Advance(seconds int64) {
	if seconds > 0 {
		c.now.Add(seconds)
	}
}
