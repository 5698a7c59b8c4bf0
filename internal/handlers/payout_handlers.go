package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"coaching_settlement/internal/models"
	"coaching_settlement/internal/store"
)

// PayoutHandler exposes the operator actions on a payment's payout.
type PayoutHandler struct {
	ledger *store.LedgerStore
	now    func() time.Time
}

func NewPayoutHandler(ledger *store.LedgerStore) *PayoutHandler {
	return &PayoutHandler{ledger: ledger, now: func() time.Time { return time.Now().UTC() }}
}

func (h *PayoutHandler) Hold(c echo.Context) error {
	return h.transition(c, models.PayoutStatusPending, models.PayoutStatusOnHold)
}

func (h *PayoutHandler) Release(c echo.Context) error {
	return h.transition(c, models.PayoutStatusOnHold, models.PayoutStatusPending)
}

// Retry puts a failed payout back in the queue with a fresh attempt budget
func (h *PayoutHandler) Retry(c echo.Context) error {
	return h.transition(c, models.PayoutStatusFailed, models.PayoutStatusPending)
}

func (h *PayoutHandler) transition(c echo.Context, from, to models.PayoutStatus) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.ledger.GetPayment(ctx, id); err != nil {
		return err
	}
	if err := h.ledger.TransitionPayout(ctx, id, from, to, h.now()); err != nil {
		return err
	}

	p, err := h.ledger.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PayoutResponse{
		PaymentID:           p.ID,
		PayoutStatus:        p.PayoutStatus,
		PayoutAttempts:      p.PayoutAttempts,
		NextPayoutAttemptAt: p.NextPayoutAttemptAt,
	})
}
