package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coaching_settlement/internal/config"
	"coaching_settlement/internal/invoice"
	"coaching_settlement/internal/models"
	"coaching_settlement/internal/store"
)

// PayoutOutcome is the result of one payout attempt
type PayoutOutcome string

const (
	OutcomeSubmitted   PayoutOutcome = "submitted"
	OutcomeNothingOwed PayoutOutcome = "nothing_owed"
	OutcomeSkipped     PayoutOutcome = "skipped"
	OutcomeRescheduled PayoutOutcome = "rescheduled"
	OutcomeFailed      PayoutOutcome = "failed"
)

// PayoutOrchestrator disburses due payments to their recipients. Several
// instances may run at once; the conditional pending -> processing update in
// the ledger guarantees a single active processor per payment.
type PayoutOrchestrator struct {
	cfg      config.Settlement
	ledger   *store.LedgerStore
	gateway  Gateway
	notifier Notifier
	alerter  Alerter
	logger   *zap.Logger
	now      func() time.Time
}

func NewPayoutOrchestrator(cfg config.Settlement, ledger *store.LedgerStore, gateway Gateway, notifier Notifier, alerter Alerter, logger *zap.Logger) *PayoutOrchestrator {
	return &PayoutOrchestrator{
		cfg:      cfg,
		ledger:   ledger,
		gateway:  gateway,
		notifier: notifier,
		alerter:  alerter,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type PayoutRunResult struct {
	Selected    int `json:"selected"`
	Submitted   int `json:"submitted"`
	NothingOwed int `json:"nothing_owed"`
	Skipped     int `json:"skipped"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

func (r *PayoutRunResult) add(o PayoutOutcome) {
	switch o {
	case OutcomeSubmitted:
		r.Submitted++
	case OutcomeNothingOwed:
		r.NothingOwed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeRescheduled:
		r.Rescheduled++
	case OutcomeFailed:
		r.Failed++
	}
}

// Run processes one batch of due payouts sequentially.
func (o *PayoutOrchestrator) Run(ctx context.Context) (PayoutRunResult, error) {
	timer := prometheus.NewTimer(jobDuration.WithLabelValues("payouts"))
	defer timer.ObserveDuration()

	var res PayoutRunResult
	due, err := o.ledger.DuePayouts(ctx, o.now(), o.cfg.PayoutBatchLimit)
	if err != nil {
		return res, fmt.Errorf("failed to select due payouts: %w", err)
	}
	res.Selected = len(due)

	for _, p := range due {
		outcome, err := o.Process(ctx, p.ID)
		if err != nil {
			o.logger.Error("Payout attempt failed", zap.String("payment_id", p.ID), zap.Error(err))
		}
		res.add(outcome)
	}

	o.logger.Info("Payout run finished",
		zap.Int("selected", res.Selected),
		zap.Int("submitted", res.Submitted),
		zap.Int("nothing_owed", res.NothingOwed),
		zap.Int("rescheduled", res.Rescheduled),
		zap.Int("failed", res.Failed))
	return res, nil
}

// Process locks one payment and attempts its disbursement. The returned error
// is the cause of a rescheduled or failed attempt.
func (o *PayoutOrchestrator) Process(ctx context.Context, paymentID string) (PayoutOutcome, error) {
	attempt, locked, err := o.ledger.LockForPayout(ctx, paymentID, o.now())
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("failed to lock payout: %w", err)
	}
	if !locked {
		o.logger.Debug("Payout skipped", zap.String("payment_id", paymentID), zap.Error(ErrLockNotAcquired))
		payoutsTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}

	p, err := o.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("failed to load locked payment: %w", err)
	}
	if p.PayoutStatus != models.PayoutStatusProcessing || p.PayoutAttempts != attempt {
		payoutsTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, store.ErrLockLost
	}

	outcome, cause := o.disburse(ctx, p)
	switch {
	case cause == nil:
	case errors.Is(cause, store.ErrLockLost):
		// the attempt that reclaimed the lock owns the payout now
		outcome = OutcomeSkipped
	default:
		outcome = o.handleFailure(ctx, p, cause)
	}
	payoutsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, cause
}

func (o *PayoutOrchestrator) disburse(ctx context.Context, p *models.Payment) (PayoutOutcome, error) {
	recipient, err := o.ledger.GetRecipient(ctx, p.RecipientID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("recipient %s: %w", p.RecipientID, ErrNoDestinationAccount)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load recipient: %w", err)
	}
	if recipient.GatewayAccountID == "" {
		return "", fmt.Errorf("recipient %s: %w", recipient.ID, ErrNoDestinationAccount)
	}

	fee, _, err := resolveFee(ctx, o.ledger, o.gateway, p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve processor fee: %w", err)
	}

	gross := FinalPayout(p, fee.Amount.Value)
	breakdown := invoice.Decompose(gross, recipient.TaxRegistered, recipient.TaxRate, p.Amount.Currency)

	earlier, err := o.earlierTransfer(ctx, p)
	if err != nil {
		return "", err
	}

	var transfer *Transfer
	var applied []models.Payment
	now := o.now()

	if earlier != nil {
		applied, err = o.adoptAdjustments(ctx, p, earlier)
		if err != nil {
			return "", err
		}
		transfer = earlier
	} else {
		var net decimal.Decimal
		net, applied, err = o.applyAdjustments(ctx, p, gross)
		if err != nil {
			return "", err
		}

		if net.LessThan(o.cfg.MinimumPayout) {
			if err := o.ledger.CommitNothingOwed(ctx, p.ID, p.PayoutAttempts, ids(applied), now); err != nil {
				return "", fmt.Errorf("failed to close payout below minimum: %w", err)
			}
			o.logger.Info("Payout below minimum, nothing owed",
				zap.String("payment_id", p.ID),
				zap.String("final_payout", gross.String()),
				zap.String("net_payout", net.String()),
				zap.Int("adjustments", len(applied)))
			return OutcomeNothingOwed, nil
		}

		transfer, err = o.transfer(ctx, p, recipient, net, breakdown, applied)
		if err != nil {
			return "", fmt.Errorf("failed to create transfer: %w", err)
		}
		if !transfer.Amount.IsPositive() {
			transfer.Amount = net
		}
	}

	sent := transfer.Amount
	commit := store.PayoutCommit{
		PaymentID:     p.ID,
		Attempt:       p.PayoutAttempts,
		TransferID:    transfer.ID,
		Amount:        models.Money{Value: sent, Currency: p.Amount.Currency},
		AdjustmentIDs: ids(applied),
		Metadata: map[string]interface{}{
			"gross_payout":    breakdown.GrossPayout.String(),
			"net_amount":      breakdown.NetAmount.String(),
			"withheld_tax":    breakdown.WithheldTax.String(),
			"processor_fee":   fee.Amount.Value.String(),
			"deductions":      totalOf(applied).String(),
			"attempt":         p.PayoutAttempts,
			"destination":     recipient.GatewayAccountID,
			"tax_registered":  recipient.TaxRegistered,
			"refunded_debits": p.RefundedDebits().String(),
			"adopted":         earlier != nil,
		},
		Now: now,
	}
	if err := o.commit(ctx, commit); err != nil {
		return "", o.ledgerBehind(ctx, p, transfer.ID, err)
	}

	o.logger.Info("Payout submitted",
		zap.String("payment_id", p.ID),
		zap.String("transfer_id", transfer.ID),
		zap.String("amount", sent.String()),
		zap.Int("attempt", p.PayoutAttempts))
	notify(ctx, o.notifier, o.logger, Event{
		Name:       EventPayoutSubmitted,
		Audience:   AudienceRecipient,
		PaymentID:  p.ID,
		UserID:     p.RecipientID,
		Amount:     sent.String(),
		Currency:   p.Amount.Currency,
		OccurredAt: now,
		Data: map[string]interface{}{
			"transfer_id":  transfer.ID,
			"net_amount":   breakdown.NetAmount.String(),
			"withheld_tax": breakdown.WithheldTax.String(),
		},
	})
	return OutcomeSubmitted, nil
}

// applyAdjustments deducts the recipient's outstanding adjustments, oldest
// first, as long as the running payout stays at or above the minimum. Each
// applied adjustment is reserved for this payout.
func (o *PayoutOrchestrator) applyAdjustments(ctx context.Context, p *models.Payment, gross decimal.Decimal) (decimal.Decimal, []models.Payment, error) {
	pending, err := o.ledger.PendingAdjustments(ctx, p.RecipientID, p.ID)
	if err != nil {
		return gross, nil, fmt.Errorf("failed to load adjustments: %w", err)
	}

	running := gross
	var applied []models.Payment
	for _, adj := range pending {
		if !adj.Amount.Total.IsNegative() {
			continue
		}
		next := running.Add(adj.Amount.Total)
		if next.LessThan(o.cfg.MinimumPayout) {
			continue
		}
		ok, err := o.ledger.ReserveAdjustment(ctx, adj.ID, p.ID)
		if err != nil {
			return gross, nil, fmt.Errorf("failed to reserve adjustment %s: %w", adj.ID, err)
		}
		if !ok {
			continue
		}
		running = next
		applied = append(applied, adj)
	}
	return running, applied, nil
}

// earlierTransfer looks for a transfer sent by a previous attempt that never
// got committed. The first attempt cannot have one.
func (o *PayoutOrchestrator) earlierTransfer(ctx context.Context, p *models.Payment) (*Transfer, error) {
	if p.PayoutAttempts <= 1 {
		return nil, nil
	}
	existing, err := o.gateway.FindTransfer(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up earlier transfer: %w", err)
	}
	if existing != nil {
		o.logger.Warn("Adopting transfer from an earlier attempt",
			zap.String("payment_id", p.ID),
			zap.String("transfer_id", existing.ID),
			zap.String("amount", existing.Amount.String()))
	}
	return existing, nil
}

// adoptAdjustments reserves exactly the adjustments an adopted transfer was
// sized with. Adjustments created since stay outstanding for a later payout.
// One that was closed elsewhere in the meantime is reported, since the
// recipient has now been debited for it twice.
func (o *PayoutOrchestrator) adoptAdjustments(ctx context.Context, p *models.Payment, t *Transfer) ([]models.Payment, error) {
	wanted := t.AdjustmentIDs()
	if len(wanted) == 0 {
		return nil, nil
	}

	pending, err := o.ledger.PendingAdjustments(ctx, p.RecipientID, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load adjustments: %w", err)
	}
	byID := make(map[string]models.Payment, len(pending))
	for _, adj := range pending {
		byID[adj.ID] = adj
	}

	var applied []models.Payment
	var missing []string
	for _, id := range wanted {
		adj, ok := byID[id]
		if ok {
			ok, err = o.ledger.ReserveAdjustment(ctx, id, p.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to reserve adjustment %s: %w", id, err)
			}
		}
		if !ok {
			missing = append(missing, id)
			continue
		}
		applied = append(applied, adj)
	}

	if len(missing) > 0 {
		o.logger.Warn("Adopted transfer deducted adjustments that are no longer outstanding",
			zap.String("payment_id", p.ID),
			zap.String("transfer_id", t.ID),
			zap.Strings("adjustment_ids", missing))
		recordIssue(ctx, o.ledger, o.logger, &models.ReconciliationIssue{
			Kind:        models.IssueAdoptedAdjustmentGone,
			PaymentID:   p.ID,
			ExternalRef: t.ID,
			Details: map[string]interface{}{
				"adjustment_ids": strings.Join(missing, ","),
				"attempt":        p.PayoutAttempts,
			},
		})
	}
	return applied, nil
}

func (o *PayoutOrchestrator) transfer(ctx context.Context, p *models.Payment, r *models.Recipient, amount decimal.Decimal, b invoice.Breakdown, applied []models.Payment) (*Transfer, error) {
	return o.gateway.CreateTransfer(ctx, TransferRequest{
		Amount:         amount,
		Currency:       p.Amount.Currency,
		Destination:    r.GatewayAccountID,
		SourceChargeID: p.ChargeID,
		TransferGroup:  p.ID,
		IdempotencyKey: fmt.Sprintf("payout-%s-%d", p.ID, p.PayoutAttempts),
		Metadata: map[string]string{
			"payment_id":           p.ID,
			"recipient_id":         r.ID,
			"gross_payout":         b.GrossPayout.String(),
			"net_amount":           b.NetAmount.String(),
			"withheld_tax":         b.WithheldTax.String(),
			TransferAdjustmentsKey: strings.Join(ids(applied), ","),
		},
	})
}

func (o *PayoutOrchestrator) commit(ctx context.Context, c store.PayoutCommit) error {
	var err error
	for try := 0; try < max(o.cfg.LedgerCommitTries, 1); try++ {
		err = o.ledger.CommitPayoutSubmitted(ctx, c)
		if err == nil || !store.IsRetryable(err) {
			return err
		}
	}
	return err
}

// ledgerBehind surfaces a transfer that exists at the gateway but could not be
// recorded. The next attempt adopts it through the transfer group lookup.
func (o *PayoutOrchestrator) ledgerBehind(ctx context.Context, p *models.Payment, transferID string, cause error) error {
	kind := models.IssueExternalAheadOfLedger
	if errors.Is(cause, store.ErrLockLost) {
		kind = models.IssuePayoutLockLost
	}
	o.logger.Error("Transfer succeeded but ledger commit failed",
		zap.String("kind", string(kind)),
		zap.String("payment_id", p.ID),
		zap.String("transfer_id", transferID),
		zap.Error(cause))
	recordIssue(ctx, o.ledger, o.logger, &models.ReconciliationIssue{
		Kind:        kind,
		PaymentID:   p.ID,
		ExternalRef: transferID,
		Details: map[string]interface{}{
			"operation": "transfer",
			"attempt":   p.PayoutAttempts,
			"error":     cause.Error(),
		},
	})
	return &LedgerBehindGatewayError{Op: "transfer", PaymentID: p.ID, ExternalRef: transferID, Err: cause}
}

func (o *PayoutOrchestrator) handleFailure(ctx context.Context, p *models.Payment, cause error) PayoutOutcome {
	now := o.now()

	if IsPermanent(cause) || p.PayoutAttempts >= o.cfg.MaxPayoutAttempts {
		if err := o.ledger.FailPayout(ctx, p.ID, p.PayoutAttempts, cause.Error()); err != nil {
			o.logger.Error("Failed to mark payout failed", zap.String("payment_id", p.ID), zap.Error(err))
		}
		recordIssue(ctx, o.ledger, o.logger, &models.ReconciliationIssue{
			Kind:      models.IssuePayoutFailed,
			PaymentID: p.ID,
			Details: map[string]interface{}{
				"attempts": p.PayoutAttempts,
				"error":    cause.Error(),
			},
		})
		raise(ctx, o.alerter, o.logger, Alert{
			Severity:  SeverityCritical,
			Subject:   fmt.Sprintf("Payout %s failed", p.ID),
			Message:   fmt.Sprintf("Payout of payment %s failed after %d attempt(s) and needs manual intervention: %v", p.ID, p.PayoutAttempts, cause),
			PaymentID: p.ID,
		})
		notify(ctx, o.notifier, o.logger, Event{
			Name:       EventPayoutFailed,
			Audience:   AudienceRecipient,
			PaymentID:  p.ID,
			UserID:     p.RecipientID,
			Currency:   p.Amount.Currency,
			OccurredAt: now,
		})
		return OutcomeFailed
	}

	next := now.Add(o.cfg.Backoff(p.PayoutAttempts))
	if err := o.ledger.ReschedulePayout(ctx, p.ID, p.PayoutAttempts, next, cause.Error()); err != nil {
		o.logger.Error("Failed to reschedule payout", zap.String("payment_id", p.ID), zap.Error(err))
	}
	o.logger.Warn("Payout attempt rescheduled",
		zap.String("payment_id", p.ID),
		zap.Int("attempt", p.PayoutAttempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
	return OutcomeRescheduled
}

func recordIssue(ctx context.Context, ledger *store.LedgerStore, logger *zap.Logger, issue *models.ReconciliationIssue) {
	issuesTotal.WithLabelValues(string(issue.Kind)).Inc()
	if err := ledger.RecordIssue(context.WithoutCancel(ctx), issue); err != nil {
		logger.Error("Failed to record reconciliation issue",
			zap.String("kind", string(issue.Kind)),
			zap.String("payment_id", issue.PaymentID),
			zap.Error(err))
	}
}

func totalOf(adjustments []models.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, adj := range adjustments {
		total = total.Add(adj.Amount.Total)
	}
	return total
}

func ids(payments []models.Payment) []string {
	out := make([]string, 0, len(payments))
	for _, p := range payments {
		out = append(out, p.ID)
	}
	return out
}
