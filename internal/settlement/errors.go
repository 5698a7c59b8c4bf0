package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrFeeNotAvailable means the gateway has not finalized the balance figures
	// of a charge yet. Callers retry on a later cycle.
	ErrFeeNotAvailable = errors.New("processor fee not yet available")
	// ErrLockNotAcquired means another worker holds the payout.
	ErrLockNotAcquired = errors.New("payout lock held by another worker")

	ErrNoDestinationAccount = errors.New("recipient has no destination account")
	ErrInvalidRefundAmount  = errors.New("invalid refund amount")
	ErrInvalidRefundPolicy  = errors.New("invalid refund policy")
	ErrPaymentNotRefundable = errors.New("payment is not refundable")
	ErrPayoutInProgress     = errors.New("payout in progress, retry the refund later")
	ErrGatewayRefundFailed  = errors.New("gateway refund failed")
)

// LedgerBehindGatewayError is returned when a gateway operation succeeded but the
// ledger write that should record it did not. The external state is ahead of
// the books and needs reconciliation; it is never a clean retryable failure.
type LedgerBehindGatewayError struct {
	Op          string
	PaymentID   string
	ExternalRef string
	Err         error
}

func (e *LedgerBehindGatewayError) Error() string {
	return fmt.Sprintf("%s %s for payment %s succeeded at the gateway but the ledger was not updated: %v",
		e.Op, e.ExternalRef, e.PaymentID, e.Err)
}

func (e *LedgerBehindGatewayError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether a payout failure must not be retried automatically.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNoDestinationAccount)
}
