package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"coaching_settlement/internal/settlement"
	"coaching_settlement/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound, "not_found"},
		{"refund blocked by payout", settlement.ErrPayoutInProgress, http.StatusConflict, "payout_in_progress"},
		{"gateway refused refund", fmt.Errorf("%w: card expired", settlement.ErrGatewayRefundFailed), http.StatusBadGateway, "gateway_refund_failed"},
		{"not refundable", settlement.ErrPaymentNotRefundable, http.StatusUnprocessableEntity, "payment_not_refundable"},
		{"echo error", echo.NewHTTPError(http.StatusBadRequest, "invalid request body"), http.StatusBadRequest, "bad_request"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Error)
		})
	}
}

func TestClassify_LedgerBehindGateway(t *testing.T) {
	err := &settlement.LedgerBehindGatewayError{Op: "refund", PaymentID: "p1", ExternalRef: "re_9", Err: store.ErrConflict}

	status, body := classify(err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "ledger_behind_gateway", body.Error)
	assert.Equal(t, "re_9", body.ExternalRef)
}
