package models

import (
	"fmt"
	"time"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusDraft:             {PaymentStatusPending, PaymentStatusCancelled},
	PaymentStatusPending:           {PaymentStatusAuthorized, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusAuthorized:        {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusCompleted:         {PaymentStatusRefunded, PaymentStatusPartiallyRefunded, PaymentStatusDisputed},
	PaymentStatusPartiallyRefunded: {PaymentStatusRefunded, PaymentStatusPartiallyRefunded, PaymentStatusDisputed},
	PaymentStatusDisputed:          {PaymentStatusCompleted, PaymentStatusRefunded},
	PaymentStatusPendingDeduction:  {PaymentStatusDeducted},
}

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusOnHold, PayoutStatusNotApplicable},
	PayoutStatusProcessing: {PayoutStatusSubmitted, PayoutStatusPaidOut, PayoutStatusPending, PayoutStatusFailed},
	PayoutStatusSubmitted:  {PayoutStatusPaidOut},
	PayoutStatusOnHold:     {PayoutStatusPending, PayoutStatusNotApplicable},
	PayoutStatusFailed:     {PayoutStatusPending, PayoutStatusNotApplicable},
}

// CanTransition reports whether a payment may move from one status to another.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionPayout reports whether a payout may move from one status to another.
func CanTransitionPayout(from, to PayoutStatus) bool {
	for _, s := range payoutTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ApplyCompletionSideEffects initialises the payout bookkeeping of a payment that
// has just reached completed. Payout-eligible payments become due for disbursement
// once the delay window elapses; every other type is marked not_applicable.
func ApplyCompletionSideEffects(p *Payment, now time.Time, payoutDelay time.Duration) error {
	if p.Status != PaymentStatusPending && p.Status != PaymentStatusAuthorized {
		return fmt.Errorf("payment %s cannot complete from status %s", p.ID, p.Status)
	}

	p.Status = PaymentStatusCompleted
	p.CompletedAt = &now

	if !p.Type.PayoutEligible() {
		p.PayoutStatus = PayoutStatusNotApplicable
		p.NextPayoutAttemptAt = nil
		return nil
	}

	due := now.Add(payoutDelay)
	p.PayoutStatus = PayoutStatusPending
	p.PayoutAttempts = 0
	p.NextPayoutAttemptAt = &due
	return nil
}
