package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"coaching_settlement/internal/config"
	"coaching_settlement/internal/models"
	"coaching_settlement/internal/store"
)

// FeeReconciler attaches the realized processor fee to captured payments.
type FeeReconciler struct {
	cfg     config.Settlement
	ledger  *store.LedgerStore
	gateway Gateway
	logger  *zap.Logger
}

func NewFeeReconciler(cfg config.Settlement, ledger *store.LedgerStore, gateway Gateway, logger *zap.Logger) *FeeReconciler {
	return &FeeReconciler{cfg: cfg, ledger: ledger, gateway: gateway, logger: logger}
}

type FeeRunResult struct {
	Selected  int `json:"selected"`
	Recorded  int `json:"recorded"`
	Duplicate int `json:"duplicate"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

// Run processes one batch. A failing payment is logged and skipped; only a
// failure to select the batch is returned.
func (r *FeeReconciler) Run(ctx context.Context) (FeeRunResult, error) {
	timer := prometheus.NewTimer(jobDuration.WithLabelValues("fees"))
	defer timer.ObserveDuration()

	var res FeeRunResult
	payments, err := r.ledger.PaymentsMissingFee(ctx, r.cfg.FeeBatchLimit)
	if err != nil {
		return res, fmt.Errorf("failed to select payments missing a fee: %w", err)
	}
	res.Selected = len(payments)

	for i := range payments {
		p := &payments[i]
		_, created, err := resolveFee(ctx, r.ledger, r.gateway, p)
		switch {
		case errors.Is(err, ErrFeeNotAvailable):
			res.Pending++
			feesTotal.WithLabelValues("pending").Inc()
			r.logger.Debug("Processor fee not yet available", zap.String("payment_id", p.ID))
		case err != nil:
			res.Failed++
			feesTotal.WithLabelValues("failed").Inc()
			r.logger.Error("Failed to reconcile processor fee", zap.String("payment_id", p.ID), zap.Error(err))
		case created:
			res.Recorded++
			feesTotal.WithLabelValues("recorded").Inc()
		default:
			res.Duplicate++
			feesTotal.WithLabelValues("duplicate").Inc()
		}
	}

	r.logger.Info("Fee reconciliation finished",
		zap.Int("selected", res.Selected),
		zap.Int("recorded", res.Recorded),
		zap.Int("pending", res.Pending),
		zap.Int("failed", res.Failed))
	return res, nil
}

// resolveFee returns the recorded processor fee of a payment, fetching and
// recording it from the gateway when missing. created reports whether this call
// wrote the fee transaction.
func resolveFee(ctx context.Context, ledger *store.LedgerStore, gateway Gateway, p *models.Payment) (*models.Transaction, bool, error) {
	fee, err := ledger.FeeFor(ctx, p.ID)
	if err == nil {
		return fee, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if p.ChargeID == "" {
		return nil, false, fmt.Errorf("payment %s has no charge reference: %w", p.ID, ErrFeeNotAvailable)
	}

	charge, err := gateway.RetrieveCharge(ctx, p.ChargeID)
	if err != nil {
		return nil, false, err
	}

	currency := strings.ToLower(charge.Currency)
	if currency == "" {
		currency = p.Amount.Currency
	}
	meta := map[string]interface{}{
		"charge_id":       charge.ID,
		"amount_captured": charge.AmountCaptured.String(),
		"amount_refunded": charge.AmountRefunded.String(),
		"reconciled_at":   time.Now().UTC().Format(time.RFC3339),
	}
	created, err := ledger.RecordFeeOnce(ctx, p.ID, models.Money{Value: charge.Fee.Round(2), Currency: currency}, charge.BalanceTransactionID, meta)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record fee: %w", err)
	}

	fee, err = ledger.FeeFor(ctx, p.ID)
	if err != nil {
		return nil, false, err
	}
	return fee, created, nil
}
