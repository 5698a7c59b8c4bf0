package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"coaching_settlement/internal/config"
	"coaching_settlement/internal/models"
	"coaching_settlement/internal/store"
)

// StaleLockSweeper returns payouts left in processing by a crashed worker to
// pending. The kept attempt counter makes the next attempt look for a transfer
// the crashed worker may already have sent.
type StaleLockSweeper struct {
	cfg    config.Settlement
	ledger *store.LedgerStore
	logger *zap.Logger
	now    func() time.Time
}

func NewStaleLockSweeper(cfg config.Settlement, ledger *store.LedgerStore, logger *zap.Logger) *StaleLockSweeper {
	return &StaleLockSweeper{cfg: cfg, ledger: ledger, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type SweepResult struct {
	Reclaimed []string `json:"reclaimed"`
}

func (s *StaleLockSweeper) Run(ctx context.Context) (SweepResult, error) {
	timer := prometheus.NewTimer(jobDuration.WithLabelValues("sweep"))
	defer timer.ObserveDuration()

	now := s.now()
	reclaimed, err := s.ledger.ReclaimStaleLocks(ctx, now.Add(-s.cfg.StaleLockAfter), now, s.cfg.PayoutBatchLimit)
	res := SweepResult{Reclaimed: reclaimed}
	if err != nil {
		return res, fmt.Errorf("failed to reclaim stale payout locks: %w", err)
	}

	for _, id := range reclaimed {
		s.logger.Warn("Reclaimed stale payout lock", zap.String("payment_id", id))
		recordIssue(ctx, s.ledger, s.logger, &models.ReconciliationIssue{
			Kind:      models.IssuePayoutLockLost,
			PaymentID: id,
			Details: map[string]interface{}{
				"stale_after": s.cfg.StaleLockAfter.String(),
			},
		})
	}
	return res, nil
}

// PayoutConfirmer moves submitted payouts to paid_out once the gateway shows
// the transfer in place.
type PayoutConfirmer struct {
	cfg     config.Settlement
	ledger  *store.LedgerStore
	gateway Gateway
	logger  *zap.Logger
	now     func() time.Time
}

func NewPayoutConfirmer(cfg config.Settlement, ledger *store.LedgerStore, gateway Gateway, logger *zap.Logger) *PayoutConfirmer {
	return &PayoutConfirmer{cfg: cfg, ledger: ledger, gateway: gateway, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type ConfirmResult struct {
	Confirmed int `json:"confirmed"`
	Reversed  int `json:"reversed"`
	Failed    int `json:"failed"`
}

func (c *PayoutConfirmer) Run(ctx context.Context) (ConfirmResult, error) {
	timer := prometheus.NewTimer(jobDuration.WithLabelValues("confirm"))
	defer timer.ObserveDuration()

	var res ConfirmResult
	submitted, err := c.ledger.SubmittedPayouts(ctx, c.cfg.PayoutBatchLimit)
	if err != nil {
		return res, fmt.Errorf("failed to select submitted payouts: %w", err)
	}

	for _, p := range submitted {
		transfer, err := c.gateway.GetTransfer(ctx, p.StripeTransferID)
		if err != nil {
			res.Failed++
			c.logger.Error("Failed to load transfer", zap.String("payment_id", p.ID), zap.String("transfer_id", p.StripeTransferID), zap.Error(err))
			continue
		}
		if transfer.Reversed {
			res.Reversed++
			c.logger.Warn("Submitted transfer was fully reversed", zap.String("payment_id", p.ID), zap.String("transfer_id", transfer.ID))
			continue
		}
		if err := c.ledger.MarkPaidOut(ctx, p.ID, c.now()); err != nil {
			res.Failed++
			c.logger.Error("Failed to confirm payout", zap.String("payment_id", p.ID), zap.Error(err))
			continue
		}
		res.Confirmed++
		payoutsTotal.WithLabelValues("paid_out").Inc()
	}
	return res, nil
}
