package ledger

import (
	"time"

	"github.com/ksred/klear-markets/internal/types"
	"gorm.io/gorm"
)

type Balance struct {
	gorm.Model `json:"-"`
	Address    types.Address `gorm:"uniqueIndex" json:"address"`
	Amount     uint64        `json:"amount"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type BalanceResponse struct {
	Address   types.Address `json:"address"`
	Amount    uint64        `json:"amount"`
	Timestamp time.Time     `json:"timestamp"`
}
