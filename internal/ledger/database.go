package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-markets/internal/mathutil"
	"github.com/ksred/klear-markets/internal/types"
	"gorm.io/gorm"
)

// Database is a Ledger persisted through gorm. Bind it to a transaction with
// NewDatabase(tx) so transfers commit or roll back with the entity state.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetBalance(ctx context.Context, addr types.Address) (*Balance, error) {
	var balance Balance
	if err := d.db.WithContext(ctx).Where("address = ?", addr).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Balance{Address: addr}, nil
		}
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}
	return &balance, nil
}

// Deposit credits amount to addr. It backs the internal funding route.
func (d *Database) Deposit(ctx context.Context, addr types.Address, amount uint64) (*Balance, error) {
	if addr == "" {
		return nil, types.ErrInvalidAddress
	}
	if amount == 0 || amount > types.MaxAmount {
		return nil, types.ErrInvalidAmount
	}

	var balance *Balance
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = credit(tx, addr, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (d *Database) Transfer(ctx context.Context, from, to, authorizer types.Address, amount uint64) error {
	if err := authorize(from, authorizer); err != nil {
		return err
	}
	if amount > types.MaxAmount {
		return fmt.Errorf("%w: %s cannot cover %d", types.ErrInsufficientBalance, from, amount)
	}

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Balance{}).
			Where("address = ? AND amount >= ?", from, amount).
			Update("amount", gorm.Expr("amount - ?", amount))
		if result.Error != nil {
			return fmt.Errorf("failed to debit %s: %w", from, result.Error)
		}
		if result.RowsAffected == 0 {
			if amount == 0 {
				return nil
			}
			return fmt.Errorf("%w: %s cannot cover %d", types.ErrInsufficientBalance, from, amount)
		}

		_, err := credit(tx, to, amount)
		return err
	})
}

func credit(tx *gorm.DB, addr types.Address, amount uint64) (*Balance, error) {
	balance := Balance{Address: addr}
	if err := tx.Where("address = ?", addr).FirstOrCreate(&balance).Error; err != nil {
		return nil, fmt.Errorf("failed to load balance %s: %w", addr, err)
	}

	next, err := mathutil.Add(balance.Amount, amount)
	if err != nil {
		return nil, err
	}
	if next > types.MaxAmount {
		return nil, fmt.Errorf("%w: balance of %s would exceed %d", types.ErrMathOverflow, addr, types.MaxAmount)
	}
	balance.Amount = next
	if err := tx.Save(&balance).Error; err != nil {
		return nil, fmt.Errorf("failed to credit %s: %w", addr, err)
	}
	return &balance, nil
}
