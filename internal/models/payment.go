package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentType classifies a ledger record
type PaymentType string

const (
	PaymentTypeCharge            PaymentType = "charge"
	PaymentTypeProgramPurchase   PaymentType = "program_purchase"
	PaymentTypeLiveSessionCharge PaymentType = "live_session_charge"
	PaymentTypeOvertimeCharge    PaymentType = "overtime_charge"
	PaymentTypeAuthorization     PaymentType = "authorization"
	PaymentTypePayout            PaymentType = "payout"
	PaymentTypeRefund            PaymentType = "refund"
	PaymentTypeAdjustment        PaymentType = "adjustment"
)

// PayoutEligible reports whether completing a payment of this type creates an
// obligation to disburse funds to the recipient.
func (t PaymentType) PayoutEligible() bool {
	switch t {
	case PaymentTypeCharge, PaymentTypeProgramPurchase, PaymentTypeLiveSessionCharge, PaymentTypeOvertimeCharge:
		return true
	}
	return false
}

// PaymentStatus is the lifecycle status of a payment
type PaymentStatus string

const (
	PaymentStatusDraft             PaymentStatus = "draft"
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusAuthorized        PaymentStatus = "authorized"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusDisputed          PaymentStatus = "disputed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"

	// Adjustment lifecycle
	PaymentStatusPendingDeduction PaymentStatus = "pending_deduction"
	PaymentStatusDeducted         PaymentStatus = "deducted"
)

// PayoutStatus tracks disbursement of a payment to its recipient
type PayoutStatus string

const (
	PayoutStatusPending       PayoutStatus = "pending"
	PayoutStatusProcessing    PayoutStatus = "processing"
	PayoutStatusSubmitted     PayoutStatus = "submitted"
	PayoutStatusPaidOut       PayoutStatus = "paid_out"
	PayoutStatusFailed        PayoutStatus = "failed"
	PayoutStatusOnHold        PayoutStatus = "on_hold"
	PayoutStatusNotApplicable PayoutStatus = "not_applicable"
)

// Disbursed reports whether money has already left the platform for this payout.
func (s PayoutStatus) Disbursed() bool {
	return s == PayoutStatusSubmitted || s == PayoutStatusPaidOut
}

// VAT is the tax component of a charge
type VAT struct {
	Rate     decimal.Decimal `gorm:"type:decimal(7,4)" json:"rate"`
	Amount   decimal.Decimal `gorm:"type:decimal(15,2)" json:"amount"`
	Included bool            `json:"included"`
}

// Amount is the monetary breakdown of a payment. Total is the gross amount charged;
// Refunded is cumulative and never exceeds Total.
type Amount struct {
	Base        decimal.Decimal `gorm:"type:decimal(15,2)" json:"base"`
	PlatformFee decimal.Decimal `gorm:"type:decimal(15,2)" json:"platform_fee"`
	VAT         VAT             `gorm:"embedded;embeddedPrefix:vat_" json:"vat"`
	Total       decimal.Decimal `gorm:"type:decimal(15,2)" json:"total"`
	Authorized  decimal.Decimal `gorm:"type:decimal(15,2)" json:"authorized"`
	Captured    decimal.Decimal `gorm:"type:decimal(15,2)" json:"captured"`
	Refunded    decimal.Decimal `gorm:"type:decimal(15,2)" json:"refunded"`
	Currency    string          `gorm:"type:varchar(3)" json:"currency"`
}

// Refundable is the amount that can still be refunded.
func (a Amount) Refundable() decimal.Decimal {
	return a.Total.Sub(a.Refunded)
}

// RefundPolicy decides who bears the cost of a refund
type RefundPolicy string

const (
	RefundPolicyStandard      RefundPolicy = "standard"
	RefundPolicyPlatformFault RefundPolicy = "platform_fault"
	RefundPolicyGoodwill      RefundPolicy = "goodwill"
)

func (p RefundPolicy) Valid() bool {
	switch p {
	case RefundPolicyStandard, RefundPolicyPlatformFault, RefundPolicyGoodwill:
		return true
	}
	return false
}

// RefundRecord is one entry of a payment's refund history
type RefundRecord struct {
	GatewayRefundID string          `json:"gateway_refund_id"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	CoachDebit      decimal.Decimal `json:"coach_debit"`
	Policy          RefundPolicy    `json:"policy"`
	Reason          string          `json:"reason"`
	InitiatedBy     string          `json:"initiated_by"`
	PayoutStatusAt  PayoutStatus    `json:"payout_status_at"`
	AdjustmentID    string          `json:"adjustment_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Payment is one customer charge, or an adjustment owed by a recipient
type Payment struct {
	ID        string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	PayerID         string `gorm:"type:varchar(36);index" json:"payer_id"`
	RecipientID     string `gorm:"type:varchar(36);index:idx_payments_recipient_status,priority:1" json:"recipient_id"`
	ChargeID        string `gorm:"type:varchar(255);index" json:"charge_id"`
	PaymentIntentID string `gorm:"type:varchar(255)" json:"payment_intent_id"`

	Type   PaymentType   `gorm:"type:varchar(30);index" json:"type"`
	Status PaymentStatus `gorm:"type:varchar(30);index:idx_payments_recipient_status,priority:2" json:"status"`
	Amount Amount        `gorm:"embedded;embeddedPrefix:amount_" json:"amount"`

	PayoutStatus        PayoutStatus `gorm:"type:varchar(20);index:idx_payments_payout_due,priority:1" json:"payout_status"`
	PayoutAttempts      int          `gorm:"default:0" json:"payout_attempts"`
	NextPayoutAttemptAt *time.Time   `gorm:"index:idx_payments_payout_due,priority:2" json:"next_payout_attempt_at"`
	PayoutLockedAt      *time.Time   `json:"payout_locked_at,omitempty"`
	StripeTransferID    string       `gorm:"type:varchar(255)" json:"stripe_transfer_id"`
	PaidOutAt           *time.Time   `json:"paid_out_at,omitempty"`
	LastPayoutError     string       `gorm:"type:text" json:"last_payout_error,omitempty"`

	// Adjustment bookkeeping
	OriginalPaymentID   *string    `gorm:"type:varchar(36);index" json:"original_payment_id,omitempty"`
	ReservedByPaymentID *string    `gorm:"type:varchar(36);index" json:"reserved_by_payment_id,omitempty"`
	DeductedInPaymentID *string    `gorm:"type:varchar(36)" json:"deducted_in_payment_id,omitempty"`
	DeductedAt          *time.Time `json:"deducted_at,omitempty"`

	Refunds     []RefundRecord `gorm:"serializer:json" json:"refunds"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Description string         `gorm:"type:text" json:"description"`
}

// RefundedDebits sums the recipient debits of every refund applied to this payment.
func (p *Payment) RefundedDebits() decimal.Decimal {
	total := decimal.Zero
	for _, r := range p.Refunds {
		total = total.Add(r.CoachDebit)
	}
	return total
}

// FindRefund returns the refund record created under the given idempotency key.
func (p *Payment) FindRefund(idempotencyKey string) (*RefundRecord, bool) {
	if idempotencyKey == "" {
		return nil, false
	}
	for i := range p.Refunds {
		if p.Refunds[i].IdempotencyKey == idempotencyKey {
			return &p.Refunds[i], true
		}
	}
	return nil, false
}
