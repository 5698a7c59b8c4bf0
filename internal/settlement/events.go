package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	EventPayoutSubmitted = "payout.submitted"
	EventPayoutFailed    = "payout.failed"
	EventRefundProcessed = "refund.processed"
)

type Audience string

const (
	AudienceRecipient Audience = "recipient"
	AudiencePayer     Audience = "payer"
)

// Event is a fire-and-forget notification for the delivery system.
type Event struct {
	Name       string                 `json:"name"`
	Audience   Audience               `json:"audience"`
	PaymentID  string                 `json:"payment_id"`
	UserID     string                 `json:"user_id"`
	Amount     string                 `json:"amount"`
	Currency   string                 `json:"currency"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

type Notifier interface {
	Publish(ctx context.Context, e Event) error
}

const notifyTimeout = 5 * time.Second

// notify publishes an event without letting a slow or failing transport affect
// the caller.
func notify(ctx context.Context, n Notifier, logger *zap.Logger, e Event) {
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := n.Publish(ctx, e); err != nil {
		logger.Warn("Failed to publish event",
			zap.String("event", e.Name),
			zap.String("payment_id", e.PaymentID),
			zap.Error(err))
	}
}

func raise(ctx context.Context, a Alerter, logger *zap.Logger, alert Alert) {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := a.Alert(ctx, alert); err != nil {
		logger.Error("Failed to raise alert",
			zap.String("subject", alert.Subject),
			zap.String("payment_id", alert.PaymentID),
			zap.Error(err))
	}
}
