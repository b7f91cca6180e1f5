// Package position is the per-(user, pool) share ledger. It has no
// operations of its own; the pool engine reads and mutates positions and
// the hosting service persists them.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ksred/klear-markets/internal/types"
	"gorm.io/gorm"
)

// Store loads and saves positions. Get never fails for a missing position:
// it returns a fresh zero position, which is only persisted on Save.
type Store interface {
	Get(ctx context.Context, user types.Address, poolID string) (*Position, error)
	Save(ctx context.Context, pos *Position) error
}

// Memory is a map-backed Store.
type Memory struct {
	mu        sync.RWMutex
	positions map[Key]Position
}

func NewMemory() *Memory {
	return &Memory{positions: make(map[Key]Position)}
}

func (m *Memory) Get(_ context.Context, user types.Address, poolID string) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[Key{User: user, PoolID: poolID}]
	if !ok {
		return &Position{User: user, PoolID: poolID}, nil
	}
	return &pos, nil
}

func (m *Memory) Save(_ context.Context, pos *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Key()] = *pos
	return nil
}

// All returns a copy of every stored position.
func (m *Memory) All() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// Database is a gorm-backed Store.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Get(ctx context.Context, user types.Address, poolID string) (*Position, error) {
	var pos Position
	err := d.db.WithContext(ctx).Where("user = ? AND pool_id = ?", user, poolID).First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Position{User: user, PoolID: poolID}, nil
		}
		return nil, fmt.Errorf("failed to fetch position: %w", err)
	}
	return &pos, nil
}

func (d *Database) Save(ctx context.Context, pos *Position) error {
	if err := d.db.WithContext(ctx).Save(pos).Error; err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// GetUserPositions lists every position a user holds, newest first.
func (d *Database) GetUserPositions(ctx context.Context, user types.Address) ([]Position, error) {
	var positions []Position
	if err := d.db.WithContext(ctx).
		Where("user = ?", user).
		Order("updated_at DESC").
		Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch user positions: %w", err)
	}
	return positions, nil
}

// GetPoolPositions lists every position in a pool.
func (d *Database) GetPoolPositions(ctx context.Context, poolID string) ([]Position, error) {
	var positions []Position
	if err := d.db.WithContext(ctx).Where("pool_id = ?", poolID).Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pool positions: %w", err)
	}
	return positions, nil
}
