package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coaching_settlement/internal/config"
	"coaching_settlement/internal/models"
	"coaching_settlement/internal/store"
)

type RefundRequest struct {
	PaymentID      string              `json:"payment_id"`
	Amount         decimal.Decimal     `json:"amount"`
	Reason         string              `json:"reason"`
	Policy         models.RefundPolicy `json:"policy"`
	InitiatedBy    string              `json:"initiated_by"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
}

// ReversalOutcome describes the attempt to claw a debit back from the original transfer.
type ReversalOutcome struct {
	TransferID string          `json:"transfer_id"`
	ReversalID string          `json:"reversal_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Error      string          `json:"error,omitempty"`
}

func (r *ReversalOutcome) Succeeded() bool {
	return r != nil && r.ReversalID != ""
}

type RefundResult struct {
	Payment      *models.Payment     `json:"payment"`
	Refund       models.RefundRecord `json:"refund"`
	Breakdown    RefundBreakdown     `json:"breakdown"`
	Reversal     *ReversalOutcome    `json:"reversal,omitempty"`
	AdjustmentID string              `json:"adjustment_id,omitempty"`
	Replayed     bool                `json:"replayed"`

	issues []models.IssueKind
}

// RefundService refunds customers and settles the recipient's share of the cost.
type RefundService struct {
	cfg      config.Settlement
	ledger   *store.LedgerStore
	gateway  Gateway
	notifier Notifier
	alerter  Alerter
	logger   *zap.Logger
	now      func() time.Time
}

func NewRefundService(cfg config.Settlement, ledger *store.LedgerStore, gateway Gateway, notifier Notifier, alerter Alerter, logger *zap.Logger) *RefundService {
	return &RefundService{
		cfg:      cfg,
		ledger:   ledger,
		gateway:  gateway,
		notifier: notifier,
		alerter:  alerter,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var errRefundAlreadyApplied = errors.New("refund already applied")

// Refund validates the request, refunds the customer at the gateway and then
// books the refund. Once the gateway has accepted the refund it is never
// rolled back: later failures are reported as non-fatal issues or as a
// *LedgerBehindGatewayError.
func (s *RefundService) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if !req.Policy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRefundPolicy, req.Policy)
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRefundAmount, req.Amount)
	}

	p, err := s.ledger.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if rec, ok := p.FindRefund(req.IdempotencyKey); ok {
		return s.replayed(ctx, p, *rec)
	}
	if err := checkRefundable(p, req.Amount); err != nil {
		return nil, err
	}

	processorFee := decimal.Zero
	if p.Type.PayoutEligible() {
		fee, _, err := resolveFee(ctx, s.ledger, s.gateway, p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve processor fee: %w", err)
		}
		processorFee = fee.Amount.Value
	}

	key := req.IdempotencyKey
	if key == "" {
		key = "refund-" + p.ID + "-" + uuid.NewString()
	}
	refund, err := s.gateway.CreateRefund(ctx, GatewayRefundRequest{
		PaymentIntentID: p.PaymentIntentID,
		ChargeID:        p.ChargeID,
		Amount:          req.Amount,
		Currency:        p.Amount.Currency,
		Reason:          req.Reason,
		IdempotencyKey:  key,
		Metadata: map[string]string{
			"payment_id":   p.ID,
			"policy":       string(req.Policy),
			"initiated_by": req.InitiatedBy,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayRefundFailed, err)
	}
	if !refund.Accepted() {
		return nil, fmt.Errorf("%w: refund %s has status %s", ErrGatewayRefundFailed, refund.ID, refund.Status)
	}

	breakdown := ComputeRefundBreakdown(req.Policy, p.Amount, processorFee, req.Amount)
	if !p.Type.PayoutEligible() {
		breakdown.CoachDebit = decimal.Zero
	}
	now := s.now()
	record := models.RefundRecord{
		GatewayRefundID: refund.ID,
		IdempotencyKey:  req.IdempotencyKey,
		Amount:          req.Amount,
		CoachDebit:      breakdown.CoachDebit,
		Policy:          req.Policy,
		Reason:          req.Reason,
		InitiatedBy:     req.InitiatedBy,
		PayoutStatusAt:  p.PayoutStatus,
		CreatedAt:       now,
	}

	var reversal *ReversalOutcome
	if p.PayoutStatus.Disbursed() && breakdown.CoachDebit.IsPositive() && p.StripeTransferID != "" {
		reversal = s.reverse(ctx, p, breakdown.CoachDebit, refund.ID)
	}

	result := &RefundResult{Refund: record, Breakdown: breakdown, Reversal: reversal}
	updated, err := s.commit(ctx, p.ID, req, record, breakdown, reversal, result)
	if errors.Is(err, errRefundAlreadyApplied) {
		current, err := s.ledger.GetPayment(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		result.Payment = current
		result.Replayed = true
		return result, nil
	}
	if err != nil {
		return nil, s.ledgerBehind(ctx, p, refund.ID, req, err)
	}
	result.Payment = updated
	result.Refund.AdjustmentID = result.AdjustmentID

	refundsTotal.WithLabelValues(string(req.Policy)).Inc()
	for _, kind := range result.issues {
		issuesTotal.WithLabelValues(string(kind)).Inc()
	}
	if result.AdjustmentID != "" && reversal.Succeeded() {
		msg := fmt.Sprintf("Reversal %s of %s and adjustment %s of %s were both booked for payment %s. The recipient may be debited twice.",
			reversal.ReversalID, reversal.Amount, result.AdjustmentID, breakdown.CoachDebit, p.ID)
		raise(ctx, s.alerter, s.logger, Alert{
			Severity:  SeverityWarning,
			Subject:   fmt.Sprintf("Refund on %s both reversed and adjusted", p.ID),
			Message:   msg,
			PaymentID: p.ID,
		})
	}

	s.logger.Info("Refund processed",
		zap.String("payment_id", p.ID),
		zap.String("refund_id", refund.ID),
		zap.String("amount", req.Amount.String()),
		zap.String("policy", string(req.Policy)),
		zap.String("coach_debit", breakdown.CoachDebit.String()),
		zap.String("payment_status", string(updated.Status)),
		zap.String("payout_status", string(updated.PayoutStatus)))

	for _, e := range []struct {
		audience Audience
		userID   string
	}{{AudiencePayer, p.PayerID}, {AudienceRecipient, p.RecipientID}} {
		notify(ctx, s.notifier, s.logger, Event{
			Name:       EventRefundProcessed,
			Audience:   e.audience,
			PaymentID:  p.ID,
			UserID:     e.userID,
			Amount:     req.Amount.String(),
			Currency:   p.Amount.Currency,
			OccurredAt: now,
			Data: map[string]interface{}{
				"refund_id":      refund.ID,
				"reason":         req.Reason,
				"fully_refunded": updated.Status == models.PaymentStatusRefunded,
			},
		})
	}
	return result, nil
}

// replayed rebuilds the result of a refund already booked under the same
// idempotency key. Only a reversal that went through is part of the ledger; a
// failed one is left to its reconciliation issue.
func (s *RefundService) replayed(ctx context.Context, p *models.Payment, rec models.RefundRecord) (*RefundResult, error) {
	processorFee := decimal.Zero
	if p.Type.PayoutEligible() {
		fee, err := s.ledger.FeeFor(ctx, p.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to load processor fee: %w", err)
		}
		if fee != nil {
			processorFee = fee.Amount.Value
		}
	}
	breakdown := ComputeRefundBreakdown(rec.Policy, p.Amount, processorFee, rec.Amount)
	breakdown.CoachDebit = rec.CoachDebit

	txns, err := s.ledger.Transactions(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries: %w", err)
	}
	var reversal *ReversalOutcome
	for _, txn := range txns {
		if txn.Type != models.TransactionTypeTransfer || txn.Metadata["refund_id"] != rec.GatewayRefundID {
			continue
		}
		transferID, _ := txn.Metadata["transfer_id"].(string)
		reversal = &ReversalOutcome{
			TransferID: transferID,
			ReversalID: txn.ExternalRef,
			Amount:     txn.Amount.Value.Neg(),
		}
	}

	return &RefundResult{
		Payment:      p,
		Refund:       rec,
		Breakdown:    breakdown,
		Reversal:     reversal,
		AdjustmentID: rec.AdjustmentID,
		Replayed:     true,
	}, nil
}

func checkRefundable(p *models.Payment, amount decimal.Decimal) error {
	switch p.Type {
	case models.PaymentTypePayout, models.PaymentTypeRefund, models.PaymentTypeAdjustment:
		return fmt.Errorf("%w: payment type %s", ErrPaymentNotRefundable, p.Type)
	}
	if p.Status != models.PaymentStatusCompleted && p.Status != models.PaymentStatusPartiallyRefunded {
		return fmt.Errorf("%w: status %s", ErrPaymentNotRefundable, p.Status)
	}
	if p.ChargeID == "" && p.PaymentIntentID == "" {
		return fmt.Errorf("%w: no gateway charge reference", ErrPaymentNotRefundable)
	}
	if amount.GreaterThan(p.Amount.Refundable()) {
		return fmt.Errorf("%w: %s exceeds refundable %s", ErrInvalidRefundAmount, amount, p.Amount.Refundable())
	}
	if p.PayoutStatus == models.PayoutStatusProcessing {
		return ErrPayoutInProgress
	}
	return nil
}

// reverse claws the debit back from the original transfer, capped at what is
// still reversible. Failures are returned in the outcome, never as an error.
func (s *RefundService) reverse(ctx context.Context, p *models.Payment, debit decimal.Decimal, refundID string) *ReversalOutcome {
	out := &ReversalOutcome{TransferID: p.StripeTransferID, Amount: decimal.Zero}

	transfer, err := s.gateway.GetTransfer(ctx, p.StripeTransferID)
	if err != nil {
		out.Error = err.Error()
		s.logger.Error("Failed to load transfer for reversal", zap.String("payment_id", p.ID), zap.Error(err))
		return out
	}
	amount := decimal.Min(debit, transfer.Reversible())
	if !amount.IsPositive() {
		out.Error = "transfer has no reversible balance"
		s.logger.Warn("Transfer already fully reversed", zap.String("payment_id", p.ID), zap.String("transfer_id", transfer.ID))
		return out
	}

	id, err := s.gateway.ReverseTransfer(ctx, transfer.ID, amount, map[string]string{
		"payment_id": p.ID,
		"refund_id":  refundID,
	})
	if err != nil {
		out.Error = err.Error()
		s.logger.Error("Transfer reversal failed",
			zap.String("payment_id", p.ID),
			zap.String("transfer_id", transfer.ID),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return out
	}
	out.ReversalID = id
	out.Amount = amount
	return out
}

// commit books the refund, retrying transient database errors.
func (s *RefundService) commit(ctx context.Context, paymentID string, req RefundRequest, record models.RefundRecord, b RefundBreakdown, reversal *ReversalOutcome, result *RefundResult) (*models.Payment, error) {
	var (
		updated *models.Payment
		err     error
	)
	for try := 0; try < max(s.cfg.LedgerCommitTries, 1); try++ {
		result.AdjustmentID = ""
		result.issues = nil
		updated, err = s.ledger.ApplyRefund(ctx, paymentID, func(p *models.Payment) (*store.RefundWrites, error) {
			return s.applyRefund(p, req, record, b, reversal, result)
		})
		if err == nil || !store.IsRetryable(err) {
			return updated, err
		}
	}
	return updated, err
}

// applyRefund mutates the locked payment and decides the rows written with it.
func (s *RefundService) applyRefund(p *models.Payment, req RefundRequest, record models.RefundRecord, b RefundBreakdown, reversal *ReversalOutcome, result *RefundResult) (*store.RefundWrites, error) {
	if _, ok := p.FindRefund(req.IdempotencyKey); ok {
		return nil, errRefundAlreadyApplied
	}
	for _, r := range p.Refunds {
		if r.GatewayRefundID == record.GatewayRefundID {
			return nil, errRefundAlreadyApplied
		}
	}
	if req.Amount.GreaterThan(p.Amount.Refundable()) {
		return nil, fmt.Errorf("%w: %s exceeds refundable %s", ErrInvalidRefundAmount, req.Amount, p.Amount.Refundable())
	}

	currency := p.Amount.Currency
	p.Amount.Refunded = p.Amount.Refunded.Add(req.Amount)
	p.Refunds = append(p.Refunds, record)
	fully := p.Amount.Refundable().LessThanOrEqual(s.cfg.RefundEpsilon)
	if fully {
		p.Status = models.PaymentStatusRefunded
	} else {
		p.Status = models.PaymentStatusPartiallyRefunded
	}

	writes := &store.RefundWrites{}
	writes.Transactions = append(writes.Transactions, models.Transaction{
		PaymentID:   p.ID,
		Type:        models.TransactionTypeRefund,
		Amount:      models.Money{Value: req.Amount.Neg(), Currency: currency},
		Status:      models.TransactionStatusCompleted,
		ExternalRef: record.GatewayRefundID,
		Metadata: map[string]interface{}{
			"policy":                 string(req.Policy),
			"reason":                 req.Reason,
			"initiated_by":           req.InitiatedBy,
			"coach_debit":            b.CoachDebit.String(),
			"refunded_portion":       b.RefundedPortion.StringFixed(4),
			"forfeited_platform_fee": b.ForfeitedPlatformFee.String(),
			"reclaimed_tax":          b.ReclaimedTax.String(),
			"lost_processor_fee":     b.LostProcessorFee.String(),
			"payout_status_at":       string(record.PayoutStatusAt),
		},
	})

	disbursedAtRefund := record.PayoutStatusAt.Disbursed()
	switch {
	case disbursedAtRefund:
		// settled below through the reversal and the adjustment
	case p.PayoutStatus == models.PayoutStatusProcessing || p.PayoutStatus.Disbursed():
		// the payout locked this payment after the refund was validated; its
		// amount may not include this debit
		writes.Issues = append(writes.Issues, models.ReconciliationIssue{
			Kind:        models.IssueRefundRacedPayout,
			PaymentID:   p.ID,
			ExternalRef: record.GatewayRefundID,
			Details: map[string]interface{}{
				"coach_debit":   b.CoachDebit.String(),
				"payout_status": string(p.PayoutStatus),
			},
		})
	case fully && models.CanTransitionPayout(p.PayoutStatus, models.PayoutStatusNotApplicable):
		p.PayoutStatus = models.PayoutStatusNotApplicable
		p.NextPayoutAttemptAt = nil
	}

	if reversal.Succeeded() {
		writes.Transactions = append(writes.Transactions, models.Transaction{
			PaymentID:   p.ID,
			Type:        models.TransactionTypeTransfer,
			Amount:      models.Money{Value: reversal.Amount.Neg(), Currency: currency},
			Status:      models.TransactionStatusCompleted,
			ExternalRef: reversal.ReversalID,
			Metadata: map[string]interface{}{
				"transfer_id": reversal.TransferID,
				"refund_id":   record.GatewayRefundID,
			},
		})
	} else if reversal != nil {
		writes.Issues = append(writes.Issues, models.ReconciliationIssue{
			Kind:        models.IssueReversalFailed,
			PaymentID:   p.ID,
			ExternalRef: reversal.TransferID,
			Details: map[string]interface{}{
				"refund_id":   record.GatewayRefundID,
				"coach_debit": b.CoachDebit.String(),
				"error":       reversal.Error,
			},
		})
	}

	if disbursedAtRefund && b.CoachDebit.IsPositive() {
		originalID := p.ID
		adj := &models.Payment{
			ID:                uuid.NewString(),
			PayerID:           p.PayerID,
			RecipientID:       p.RecipientID,
			Type:              models.PaymentTypeAdjustment,
			Status:            models.PaymentStatusPendingDeduction,
			Amount:            models.Amount{Total: b.CoachDebit.Neg(), Currency: currency},
			PayoutStatus:      models.PayoutStatusNotApplicable,
			OriginalPaymentID: &originalID,
			Description:       fmt.Sprintf("Refund %s on payment %s (%s)", record.GatewayRefundID, p.ID, req.Policy),
		}
		writes.Adjustment = adj
		result.AdjustmentID = adj.ID
		p.Refunds[len(p.Refunds)-1].AdjustmentID = adj.ID

		if reversal.Succeeded() {
			writes.Issues = append(writes.Issues, models.ReconciliationIssue{
				Kind:        models.IssueAdjustmentOverlap,
				PaymentID:   p.ID,
				ExternalRef: reversal.ReversalID,
				Details: map[string]interface{}{
					"adjustment_id":   adj.ID,
					"adjustment":      adj.Amount.Total.String(),
					"reversed_amount": reversal.Amount.String(),
				},
			})
		}
	}
	for _, issue := range writes.Issues {
		result.issues = append(result.issues, issue.Kind)
	}
	return writes, nil
}

func (s *RefundService) ledgerBehind(ctx context.Context, p *models.Payment, refundID string, req RefundRequest, cause error) error {
	s.logger.Error("Gateway refund succeeded but ledger commit failed",
		zap.String("kind", string(models.IssueExternalAheadOfLedger)),
		zap.String("payment_id", p.ID),
		zap.String("refund_id", refundID),
		zap.Error(cause))
	recordIssue(ctx, s.ledger, s.logger, &models.ReconciliationIssue{
		Kind:        models.IssueExternalAheadOfLedger,
		PaymentID:   p.ID,
		ExternalRef: refundID,
		Details: map[string]interface{}{
			"operation":    "refund",
			"amount":       req.Amount.String(),
			"policy":       string(req.Policy),
			"initiated_by": req.InitiatedBy,
			"error":        cause.Error(),
		},
	})
	raise(ctx, s.alerter, s.logger, Alert{
		Severity:  SeverityCritical,
		Subject:   fmt.Sprintf("Refund %s not booked", refundID),
		Message:   fmt.Sprintf("Refund %s of %s on payment %s succeeded at the gateway but could not be recorded: %v", refundID, req.Amount, p.ID, cause),
		PaymentID: p.ID,
	})
	return &LedgerBehindGatewayError{Op: "refund", PaymentID: p.ID, ExternalRef: refundID, Err: cause}
}
