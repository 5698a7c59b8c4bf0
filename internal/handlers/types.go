package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	"coaching_settlement/internal/models"
)

type CompletePaymentRequest struct {
	CapturedAmount decimal.Decimal `json:"captured_amount"`
}

type RefundPaymentRequest struct {
	Amount         decimal.Decimal     `json:"amount"`
	Reason         string              `json:"reason"`
	Policy         models.RefundPolicy `json:"policy"`
	IdempotencyKey string              `json:"idempotency_key"`
}

type PayoutResponse struct {
	PaymentID           string              `json:"payment_id"`
	PayoutStatus        models.PayoutStatus `json:"payout_status"`
	PayoutAttempts      int                 `json:"payout_attempts"`
	NextPayoutAttemptAt *time.Time          `json:"next_payout_attempt_at"`
}

type IssueListResponse struct {
	Issues []models.ReconciliationIssue `json:"issues"`
}
