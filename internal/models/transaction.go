package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TransactionType is the kind of an append-only ledger entry
type TransactionType string

const (
	TransactionTypeFee      TransactionType = "fee"
	TransactionTypePayout   TransactionType = "payout"
	TransactionTypeRefund   TransactionType = "refund"
	TransactionTypeTransfer TransactionType = "transfer"
	TransactionTypeDispute  TransactionType = "dispute"
)

type TransactionStatus string

const (
	TransactionStatusProcessing TransactionStatus = "processing"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusFailed     TransactionStatus = "failed"
)

// Money is a signed amount in a currency
type Money struct {
	Value    decimal.Decimal `gorm:"type:decimal(15,2)" json:"value"`
	Currency string          `gorm:"type:varchar(3)" json:"currency"`
}

// Transaction is a write-once ledger fact linked to a payment. At most one fee
// transaction exists per payment.
type Transaction struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PaymentID   string            `gorm:"type:varchar(36);index;uniqueIndex:idx_transactions_fee_once,where:type = 'fee'" json:"payment_id"`
	Type        TransactionType   `gorm:"type:varchar(20);index" json:"type"`
	Amount      Money             `gorm:"embedded;embeddedPrefix:amount_" json:"amount"`
	Status      TransactionStatus `gorm:"type:varchar(20)" json:"status"`
	ExternalRef string            `gorm:"type:varchar(255)" json:"external_ref"`
	Metadata    datatypes.JSONMap `json:"metadata"`
}
