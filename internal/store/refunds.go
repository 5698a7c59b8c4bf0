package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coaching_settlement/internal/models"
)

// RefundWrites are the rows appended alongside a refunded payment.
type RefundWrites struct {
	Transactions []models.Transaction
	Adjustment   *models.Payment
	Issues       []models.ReconciliationIssue
}

// ApplyRefund loads the payment under a row lock, lets apply mutate it and
// decide the accompanying writes, then commits everything in one transaction.
// If apply returns an error nothing is written.
func (s *LedgerStore) ApplyRefund(ctx context.Context, paymentID string, apply func(p *models.Payment) (*RefundWrites, error)) (*models.Payment, error) {
	var out models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, "id = ?", paymentID).Error; err != nil {
			return notFound(err)
		}

		writes, err := apply(&out)
		if err != nil {
			return err
		}
		if out.Amount.Refunded.GreaterThan(out.Amount.Total) {
			return fmt.Errorf("refunded %s would exceed total %s", out.Amount.Refunded, out.Amount.Total)
		}
		if err := tx.Save(&out).Error; err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		if writes == nil {
			return nil
		}

		for i := range writes.Transactions {
			txn := &writes.Transactions[i]
			if txn.ID == "" {
				txn.ID = uuid.NewString()
			}
			if err := tx.Create(txn).Error; err != nil {
				return fmt.Errorf("failed to record %s transaction: %w", txn.Type, err)
			}
		}
		if writes.Adjustment != nil {
			if writes.Adjustment.ID == "" {
				writes.Adjustment.ID = uuid.NewString()
			}
			if err := tx.Create(writes.Adjustment).Error; err != nil {
				return fmt.Errorf("failed to create adjustment: %w", err)
			}
		}
		for i := range writes.Issues {
			if err := tx.Create(&writes.Issues[i]).Error; err != nil {
				return fmt.Errorf("failed to record reconciliation issue: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Adjustments lists the adjustments created against an original payment.
func (s *LedgerStore) Adjustments(ctx context.Context, originalPaymentID string) ([]models.Payment, error) {
	var adjustments []models.Payment
	err := s.db.WithContext(ctx).
		Where("type = ? AND original_payment_id = ?", models.PaymentTypeAdjustment, originalPaymentID).
		Order("created_at ASC").
		Find(&adjustments).Error
	return adjustments, err
}
