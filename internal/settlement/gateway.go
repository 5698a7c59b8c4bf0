package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is the external payment processor.
type Gateway interface {
	// RetrieveCharge returns ErrFeeNotAvailable while the charge's balance
	// transaction has not settled.
	RetrieveCharge(ctx context.Context, chargeID string) (*Charge, error)
	CreateRefund(ctx context.Context, req GatewayRefundRequest) (*GatewayRefund, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	// FindTransfer returns the transfer created for a transfer group, or nil.
	FindTransfer(ctx context.Context, transferGroup string) (*Transfer, error)
	GetTransfer(ctx context.Context, transferID string) (*Transfer, error)
	ReverseTransfer(ctx context.Context, transferID string, amount decimal.Decimal, metadata map[string]string) (string, error)
}

type Charge struct {
	ID                   string
	Fee                  decimal.Decimal
	Currency             string
	AmountCaptured       decimal.Decimal
	AmountRefunded       decimal.Decimal
	BalanceTransactionID string
}

type GatewayRefundRequest struct {
	PaymentIntentID string
	ChargeID        string
	Amount          decimal.Decimal
	Currency        string
	Reason          string
	IdempotencyKey  string
	Metadata        map[string]string
}

// Refund statuses reported by the gateway
const (
	RefundStatusSucceeded = "succeeded"
	RefundStatusPending   = "pending"
)

type GatewayRefund struct {
	ID     string
	Status string
}

// Accepted reports whether the gateway took the refund. A pending refund has been
// accepted and will settle without further action.
func (r *GatewayRefund) Accepted() bool {
	return r.Status == RefundStatusSucceeded || r.Status == RefundStatusPending
}

type TransferRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Destination    string
	SourceChargeID string
	TransferGroup  string
	IdempotencyKey string
	Metadata       map[string]string
}

// TransferAdjustmentsKey is the transfer metadata entry listing the ids of the
// adjustments deducted from it, comma separated.
const TransferAdjustmentsKey = "adjustment_ids"

type Transfer struct {
	ID             string
	Amount         decimal.Decimal
	AmountReversed decimal.Decimal
	Currency       string
	Destination    string
	Reversed       bool
	Created        time.Time
	Metadata       map[string]string
}

// AdjustmentIDs returns the adjustments the transfer amount was reduced by.
func (t *Transfer) AdjustmentIDs() []string {
	raw := strings.TrimSpace(t.Metadata[TransferAdjustmentsKey])
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// Reversible is the part of the transfer that has not been reversed yet.
func (t *Transfer) Reversible() decimal.Decimal {
	r := t.Amount.Sub(t.AmountReversed)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Severity  Severity
	Subject   string
	Message   string
	PaymentID string
}

// Alerter raises operator-visible alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}
