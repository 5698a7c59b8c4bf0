package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Recipient is a service provider who receives payouts
type Recipient struct {
	ID        string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name  string `gorm:"type:varchar(255)" json:"name"`
	Email string `gorm:"type:varchar(255);uniqueIndex" json:"email"`

	// Connected account that receives transfers
	GatewayAccountID string `gorm:"type:varchar(255)" json:"gateway_account_id"`

	TaxRegistered bool            `gorm:"default:false" json:"tax_registered"`
	TaxRate       decimal.Decimal `gorm:"type:decimal(7,4)" json:"tax_rate"` // e.g. 0.081
}
