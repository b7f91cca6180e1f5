package duel

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-markets/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateDuel(ctx context.Context, duel *Duel) error {
	return d.db.WithContext(ctx).Create(duel).Error
}

func (d *Database) GetDuel(ctx context.Context, duelID string) (*Duel, error) {
	var duel Duel
	if err := d.db.WithContext(ctx).Where("duel_id = ?", duelID).First(&duel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: duel %s", types.ErrNotFound, duelID)
		}
		return nil, fmt.Errorf("failed to fetch duel: %w", err)
	}
	return &duel, nil
}

func (d *Database) UpdateDuel(ctx context.Context, duel *Duel) error {
	return d.db.WithContext(ctx).Save(duel).Error
}

// ListFilter narrows ListDuels. Zero fields match everything.
type ListFilter struct {
	Status Status
	Player types.Address
}

// ListDuels returns duels newest first.
func (d *Database) ListDuels(ctx context.Context, filter ListFilter) ([]Duel, error) {
	query := d.db.WithContext(ctx).Order("created_at DESC")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Player != "" {
		query = query.Where("player1 = ? OR player2 = ?", filter.Player, filter.Player)
	}
	var duels []Duel
	if err := query.Find(&duels).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch duels: %w", err)
	}
	return duels, nil
}
