package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"coaching_settlement/internal/config"
	"coaching_settlement/internal/invoice"
	"coaching_settlement/internal/middleware"
	"coaching_settlement/internal/settlement"
	"coaching_settlement/internal/store"
)

type PaymentHandler struct {
	cfg     config.Settlement
	ledger  *store.LedgerStore
	refunds *settlement.RefundService
	now     func() time.Time
}

func NewPaymentHandler(cfg config.Settlement, ledger *store.LedgerStore, refunds *settlement.RefundService) *PaymentHandler {
	return &PaymentHandler{
		cfg:     cfg,
		ledger:  ledger,
		refunds: refunds,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CompletePayment records the captured amount and moves the payment to completed
func (h *PaymentHandler) CompletePayment(c echo.Context) error {
	var req CompletePaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.CapturedAmount.IsNegative() {
		return echo.NewHTTPError(http.StatusBadRequest, "captured_amount must not be negative")
	}

	p, err := h.ledger.CompletePayment(c.Request().Context(), c.Param("id"), req.CapturedAmount, h.now(), h.cfg.PayoutDelay)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// RefundPayment refunds the customer and settles the recipient's share
func (h *PaymentHandler) RefundPayment(c echo.Context) error {
	var req RefundPaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := h.refunds.Refund(c.Request().Context(), settlement.RefundRequest{
		PaymentID:      c.Param("id"),
		Amount:         req.Amount,
		Reason:         req.Reason,
		Policy:         req.Policy,
		InitiatedBy:    middleware.Operator(c),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return err
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

// Invoice returns the net/withheld-tax split of the committed payout
func (h *PaymentHandler) Invoice(c echo.Context) error {
	ctx := c.Request().Context()

	p, err := h.ledger.GetPayment(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	recipient, err := h.ledger.GetRecipient(ctx, p.RecipientID)
	if err != nil {
		return err
	}

	payout, err := h.ledger.PayoutTransactionFor(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "payment has no payout")
	}
	if err != nil {
		return err
	}

	gross := payout.Amount.Value
	if raw, ok := payout.Metadata["gross_payout"].(string); ok {
		if gross, err = decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("payout %s has malformed gross_payout %q: %w", payout.ID, raw, err)
		}
	}

	return c.JSON(http.StatusOK, invoice.Decompose(gross, recipient.TaxRegistered, recipient.TaxRate, payout.Amount.Currency))
}
