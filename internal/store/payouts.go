package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"coaching_settlement/internal/models"
)

// DuePayouts selects pending payouts whose next attempt time has passed, in
// insertion order.
func (s *LedgerStore) DuePayouts(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("payout_status = ? AND next_payout_attempt_at <= ?", models.PayoutStatusPending, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// LockForPayout atomically moves a due payout from pending to processing and
// counts the attempt. It returns the attempt number that now owns the lock, or
// false when another worker claimed it first. Every later write for this
// attempt must present that number.
func (s *LedgerStore) LockForPayout(ctx context.Context, id string, now time.Time) (int, bool, error) {
	var attempt int
	var locked bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND payout_status = ? AND next_payout_attempt_at <= ?", id, models.PayoutStatusPending, now).
			Updates(map[string]interface{}{
				"payout_status":    models.PayoutStatusProcessing,
				"payout_attempts":  gorm.Expr("payout_attempts + 1"),
				"payout_locked_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}

		var p models.Payment
		if err := tx.Select("payout_attempts").Where("id = ?", id).Take(&p).Error; err != nil {
			return err
		}
		attempt, locked = p.PayoutAttempts, true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return attempt, locked, nil
}

// PendingAdjustments lists the recipient's undeducted adjustments that are free
// or already reserved by the given payout, oldest first.
func (s *LedgerStore) PendingAdjustments(ctx context.Context, recipientID, payoutPaymentID string) ([]models.Payment, error) {
	var adjustments []models.Payment
	err := s.db.WithContext(ctx).
		Where("type = ? AND status = ? AND recipient_id = ?", models.PaymentTypeAdjustment, models.PaymentStatusPendingDeduction, recipientID).
		Where("reserved_by_payment_id IS NULL OR reserved_by_payment_id = ?", payoutPaymentID).
		Order("created_at ASC, id ASC").
		Find(&adjustments).Error
	return adjustments, err
}

// ReserveAdjustment ties an adjustment to a payout so no concurrent payout of
// the same recipient can apply it.
func (s *LedgerStore) ReserveAdjustment(ctx context.Context, adjustmentID, payoutPaymentID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", adjustmentID, models.PaymentStatusPendingDeduction).
		Where("reserved_by_payment_id IS NULL OR reserved_by_payment_id = ?", payoutPaymentID).
		Update("reserved_by_payment_id", payoutPaymentID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseAdjustments frees every undeducted adjustment reserved by a payout.
func (s *LedgerStore) ReleaseAdjustments(ctx context.Context, payoutPaymentID string) error {
	return releaseAdjustments(s.db.WithContext(ctx), payoutPaymentID)
}

func releaseAdjustments(db *gorm.DB, payoutPaymentID string) error {
	return db.Model(&models.Payment{}).
		Where("reserved_by_payment_id = ? AND status = ?", payoutPaymentID, models.PaymentStatusPendingDeduction).
		Update("reserved_by_payment_id", nil).Error
}

// PayoutCommit is everything written once a transfer has been accepted.
type PayoutCommit struct {
	PaymentID     string
	Attempt       int
	TransferID    string
	Amount        models.Money
	AdjustmentIDs []string
	Metadata      map[string]interface{}
	Now           time.Time
}

// CommitPayoutSubmitted marks applied adjustments deducted, appends the payout
// transaction and moves the payout to submitted in a single transaction.
func (s *LedgerStore) CommitPayoutSubmitted(ctx context.Context, c PayoutCommit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deductAdjustments(tx, c.PaymentID, c.AdjustmentIDs, c.Now); err != nil {
			return err
		}

		payout := &models.Transaction{
			ID:          uuid.NewString(),
			PaymentID:   c.PaymentID,
			Type:        models.TransactionTypePayout,
			Amount:      c.Amount,
			Status:      models.TransactionStatusProcessing,
			ExternalRef: c.TransferID,
			Metadata:    datatypes.JSONMap(c.Metadata),
		}
		if err := tx.Create(payout).Error; err != nil {
			return fmt.Errorf("failed to record payout transaction: %w", err)
		}

		return finishPayout(tx, c.PaymentID, c.Attempt, map[string]interface{}{
			"payout_status":      models.PayoutStatusSubmitted,
			"stripe_transfer_id": c.TransferID,
			"payout_locked_at":   nil,
			"last_payout_error":  "",
		})
	})
}

// CommitNothingOwed closes a payout whose net amount is below the minimum:
// applied adjustments are absorbed and no transfer is recorded.
func (s *LedgerStore) CommitNothingOwed(ctx context.Context, paymentID string, attempt int, adjustmentIDs []string, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deductAdjustments(tx, paymentID, adjustmentIDs, now); err != nil {
			return err
		}
		return finishPayout(tx, paymentID, attempt, map[string]interface{}{
			"payout_status":     models.PayoutStatusPaidOut,
			"paid_out_at":       now,
			"payout_locked_at":  nil,
			"last_payout_error": "",
		})
	})
}

func deductAdjustments(tx *gorm.DB, paymentID string, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	res := tx.Model(&models.Payment{}).
		Where("id IN ? AND status = ? AND reserved_by_payment_id = ?", ids, models.PaymentStatusPendingDeduction, paymentID).
		Updates(map[string]interface{}{
			"status":                 models.PaymentStatusDeducted,
			"deducted_in_payment_id": paymentID,
			"deducted_at":            now,
			"reserved_by_payment_id": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != int64(len(ids)) {
		return fmt.Errorf("%w: %d of %d adjustments still reserved", ErrConflict, res.RowsAffected, len(ids))
	}
	return nil
}

// finishPayout ends a processing attempt. It fails with ErrLockLost once the
// lock was reclaimed, including when a later attempt has taken it since.
func finishPayout(tx *gorm.DB, paymentID string, attempt int, updates map[string]interface{}) error {
	res := tx.Model(&models.Payment{}).
		Where("id = ? AND payout_status = ? AND payout_attempts = ?", paymentID, models.PayoutStatusProcessing, attempt).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}

// ReschedulePayout returns a failed attempt to pending with a later retry time
// and frees its adjustment reservations.
func (s *LedgerStore) ReschedulePayout(ctx context.Context, paymentID string, attempt int, next time.Time, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := releaseAdjustments(tx, paymentID); err != nil {
			return err
		}
		return finishPayout(tx, paymentID, attempt, map[string]interface{}{
			"payout_status":          models.PayoutStatusPending,
			"next_payout_attempt_at": next,
			"payout_locked_at":       nil,
			"last_payout_error":      reason,
		})
	})
}

// FailPayout moves a payout to the terminal failed status.
func (s *LedgerStore) FailPayout(ctx context.Context, paymentID string, attempt int, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := releaseAdjustments(tx, paymentID); err != nil {
			return err
		}
		return finishPayout(tx, paymentID, attempt, map[string]interface{}{
			"payout_status":          models.PayoutStatusFailed,
			"next_payout_attempt_at": nil,
			"payout_locked_at":       nil,
			"last_payout_error":      reason,
		})
	})
}

// ReclaimStaleLocks returns payouts stuck in processing since before cutoff to
// pending. The attempt counter is kept.
func (s *LedgerStore) ReclaimStaleLocks(ctx context.Context, cutoff, now time.Time, limit int) ([]string, error) {
	var stale []models.Payment
	err := s.db.WithContext(ctx).
		Select("id").
		Where("payout_status = ? AND payout_locked_at < ?", models.PayoutStatusProcessing, cutoff).
		Order("payout_locked_at ASC").
		Limit(limit).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, p := range stale {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Payment{}).
				Where("id = ? AND payout_status = ? AND payout_locked_at < ?", p.ID, models.PayoutStatusProcessing, cutoff).
				Updates(map[string]interface{}{
					"payout_status":          models.PayoutStatusPending,
					"next_payout_attempt_at": now,
					"payout_locked_at":       nil,
					"last_payout_error":      "stale payout lock reclaimed",
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrConflict
			}
			return releaseAdjustments(tx, p.ID)
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, p.ID)
	}
	return reclaimed, nil
}

// SubmittedPayouts lists payouts whose transfer has been requested but not yet confirmed.
func (s *LedgerStore) SubmittedPayouts(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("payout_status = ? AND stripe_transfer_id <> ''", models.PayoutStatusSubmitted).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// MarkPaidOut confirms a submitted payout and completes its payout transaction.
func (s *LedgerStore) MarkPaidOut(ctx context.Context, paymentID string, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND payout_status = ?", paymentID, models.PayoutStatusSubmitted).
			Updates(map[string]interface{}{
				"payout_status": models.PayoutStatusPaidOut,
				"paid_out_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return tx.Model(&models.Transaction{}).
			Where("payment_id = ? AND type = ? AND status = ?", paymentID, models.TransactionTypePayout, models.TransactionStatusProcessing).
			Update("status", models.TransactionStatusCompleted).Error
	})
}

// TransitionPayout performs an operator-driven payout status change.
func (s *LedgerStore) TransitionPayout(ctx context.Context, paymentID string, from, to models.PayoutStatus, now time.Time) error {
	if !models.CanTransitionPayout(from, to) || from == models.PayoutStatusProcessing || to == models.PayoutStatusProcessing {
		return fmt.Errorf("%w: payout cannot move from %s to %s", ErrConflict, from, to)
	}

	updates := map[string]interface{}{"payout_status": to}
	if to == models.PayoutStatusPending {
		updates["next_payout_attempt_at"] = now
	}
	if from == models.PayoutStatusFailed && to == models.PayoutStatusPending {
		updates["payout_attempts"] = 0
		updates["last_payout_error"] = ""
	}

	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND payout_status = ?", paymentID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}
