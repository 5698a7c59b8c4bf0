package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"coaching_settlement/internal/settlement"
	"coaching_settlement/internal/store"
)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	ExternalRef string `json:"external_ref,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

var domainErrors = []errorMapping{
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{settlement.ErrInvalidRefundAmount, http.StatusBadRequest, "invalid_refund_amount"},
	{settlement.ErrInvalidRefundPolicy, http.StatusBadRequest, "invalid_refund_policy"},
	{settlement.ErrPaymentNotRefundable, http.StatusUnprocessableEntity, "payment_not_refundable"},
	{settlement.ErrPayoutInProgress, http.StatusConflict, "payout_in_progress"},
	{settlement.ErrLockNotAcquired, http.StatusConflict, "payout_locked"},
	{settlement.ErrFeeNotAvailable, http.StatusConflict, "fee_not_available"},
	{store.ErrConflict, http.StatusConflict, "conflict"},
	{store.ErrLockLost, http.StatusConflict, "payout_lock_lost"},
	{settlement.ErrGatewayRefundFailed, http.StatusBadGateway, "gateway_refund_failed"},
}

// NewErrorHandler creates a custom error handler for Echo that maps domain
// errors to status codes and JSON bodies.
func NewErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := classify(err)

		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("Request failed", fields...)
		} else {
			logger.Info("Request rejected", fields...)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
	}
}

func classify(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok || msg == "" {
			msg = http.StatusText(he.Code)
		}
		return he.Code, ErrorResponse{Error: codeFor(he.Code), Message: msg}
	}

	// checked first: it wraps the underlying store error
	var behind *settlement.LedgerBehindGatewayError
	if errors.As(err, &behind) {
		return http.StatusInternalServerError, ErrorResponse{
			Error:       "ledger_behind_gateway",
			Message:     "the gateway operation succeeded but the ledger could not be updated; a reconciliation issue was recorded",
			ExternalRef: behind.ExternalRef,
		}
	}

	for _, m := range domainErrors {
		if errors.Is(err, m.target) {
			return m.status, ErrorResponse{Error: m.code, Message: err.Error()}
		}
	}

	return http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Something went wrong. Please try again later.",
	}
}

func codeFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	default:
		return "error"
	}
}
