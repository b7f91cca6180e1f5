package amm

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

func (d *Database) CreatePool(ctx context.Context, pool *Pool) error {
	return d.db.WithContext(ctx).Create(pool).Error
}

func (d *Database) GetPool(ctx context.Context, poolID string) (*Pool, error) {
	var pool Pool
	if err := d.db.WithContext(ctx).Where("pool_id = ?", poolID).First(&pool).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: pool %s", types.ErrNotFound, poolID)
		}
		return nil, fmt.Errorf("failed to fetch pool: %w", err)
	}
	return &pool, nil
}

func (d *Database) UpdatePool(ctx context.Context, pool *Pool) error {
	return d.db.WithContext(ctx).Save(pool).Error
}

// ListPools returns pools newest first, optionally filtered by status.
func (d *Database) ListPools(ctx context.Context, status PoolStatus) ([]Pool, error) {
	query := d.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var pools []Pool
	if err := query.Find(&pools).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pools: %w", err)
	}
	return pools, nil
}

func (d *Database) CreateTrade(ctx context.Context, trade *Trade) error {
	return d.db.WithContext(ctx).Create(trade).Error
}

func (d *Database) GetPoolTrades(ctx context.Context, poolID string) ([]Trade, error) {
	var trades []Trade
	if err := d.db.WithContext(ctx).Where("pool_id = ?", poolID).Order("id ASC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pool trades: %w", err)
	}
	return trades, nil
}

func (d *Database) GetUserTrades(ctx context.Context, user types.Address) ([]Trade, error) {
	var trades []Trade
	if err := d.db.WithContext(ctx).Where("user = ?", user).Order("id DESC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch user trades: %w", err)
	}
	return trades, nil
}
