package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds a user's spendable balance. Balance is only ever written by the
// ledger applying a terminal transaction; business code never sets it directly.
type Wallet struct {
	UserID           uint64          `gorm:"primaryKey;column:user_id"`
	Balance          decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	TotalDeposits    decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	TotalWithdrawals decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Version          uint64          `gorm:"not null;default:0"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }
