package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType enumerates ledger-affecting operations.
type TxType string

const (
	TxDeposit     TxType = "DEPOSIT"
	TxWithdrawal  TxType = "WITHDRAWAL"
	TxTransferIn  TxType = "TRANSFER_IN"
	TxTransferOut TxType = "TRANSFER_OUT"
	TxAirtime     TxType = "AIRTIME_PURCHASE"
	TxData        TxType = "DATA_PURCHASE"
	TxCable       TxType = "CABLE_PURCHASE"
	TxElectricity TxType = "ELECTRICITY_PURCHASE"
	TxCommission  TxType = "COMMISSION"
	TxReferral    TxType = "REFERRAL_BONUS"
	TxCredit      TxType = "CREDIT"
	TxDebit       TxType = "DEBIT"
)

// Credit reports whether the type increases the wallet balance.
func (t TxType) Credit() bool {
	switch t {
	case TxDeposit, TxTransferIn, TxCommission, TxReferral, TxCredit:
		return true
	}
	return false
}

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	StatusPending    TxStatus = "PENDING"
	StatusProcessing TxStatus = "PROCESSING"
	StatusCompleted  TxStatus = "COMPLETED"
	StatusFailed     TxStatus = "FAILED"
	StatusCancelled  TxStatus = "CANCELLED"
	StatusRefunded   TxStatus = "REFUNDED"
)

// Terminal reports whether the status admits no further mutation
// (refund is an explicit compensating action, not a regression).
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// CanTransition enforces forward-only movement through the state machine.
func (s TxStatus) CanTransition(to TxStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusCompleted:
		return to == StatusRefunded
	}
	return false
}

// Transaction is the unit of reconciliation. PaymentReference is generated once,
// before any external call, and is the sole deduplication key.
type Transaction struct {
	ID               uint64          `gorm:"primaryKey"`
	UserID           uint64          `gorm:"not null;index"`
	Type             TxType          `gorm:"size:32;not null"`
	Amount           decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status           TxStatus        `gorm:"size:16;not null;default:'PENDING'"`
	PaymentReference string          `gorm:"size:64;not null;uniqueIndex"`
	BalanceBefore    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceAfter     decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	CorrelationID    *string         `gorm:"size:64;index"`
	Metadata         string          `gorm:"type:jsonb;not null;default:'{}'"`
	ErrorMessage     string          `gorm:"type:text"`
	ProcessedAt      *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

func (Transaction) TableName() string { return "transaction" }
