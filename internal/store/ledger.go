package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coaching_settlement/internal/models"
)

// LedgerStore is the single writer of payment status and payout status.
type LedgerStore struct {
	db *gorm.DB
}

func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// settledStatuses are the statuses a payment can be in once it has been captured.
var settledStatuses = []models.PaymentStatus{
	models.PaymentStatusCompleted,
	models.PaymentStatusPartiallyRefunded,
	models.PaymentStatusRefunded,
	models.PaymentStatusDisputed,
}

func (s *LedgerStore) CreateRecipient(ctx context.Context, r *models.Recipient) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *LedgerStore) GetRecipient(ctx context.Context, id string) (*models.Recipient, error) {
	var r models.Recipient
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *LedgerStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *LedgerStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// CompletePayment records a successful capture and moves the payment to
// completed. This is the one place payout bookkeeping is initialised.
func (s *LedgerStore) CompletePayment(ctx context.Context, id string, captured decimal.Decimal, now time.Time, payoutDelay time.Duration) (*models.Payment, error) {
	var out models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if captured.GreaterThan(out.Amount.Total) {
			return fmt.Errorf("captured %s exceeds total %s", captured, out.Amount.Total)
		}
		if err := models.ApplyCompletionSideEffects(&out, now, payoutDelay); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		out.Amount.Captured = captured
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PaymentsMissingFee returns captured, payout-eligible payments that have no fee
// transaction yet.
func (s *LedgerStore) PaymentsMissingFee(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("status IN ? AND charge_id <> ''", settledStatuses).
		Where("type IN ?", payoutEligibleTypes()).
		Where("NOT EXISTS (SELECT 1 FROM transactions t WHERE t.payment_id = payments.id AND t.type = ?)", models.TransactionTypeFee).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// RecordFeeOnce inserts the fee transaction of a payment unless one already
// exists. created is false when the fee had been recorded before.
func (s *LedgerStore) RecordFeeOnce(ctx context.Context, paymentID string, fee models.Money, externalRef string, meta map[string]interface{}) (bool, error) {
	txn := &models.Transaction{
		ID:          uuid.NewString(),
		PaymentID:   paymentID,
		Type:        models.TransactionTypeFee,
		Amount:      fee,
		Status:      models.TransactionStatusCompleted,
		ExternalRef: externalRef,
		Metadata:    datatypes.JSONMap(meta),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(txn)
	if res.Error != nil {
		if IsUniqueViolation(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FeeFor returns the fee transaction of a payment.
func (s *LedgerStore) FeeFor(ctx context.Context, paymentID string) (*models.Transaction, error) {
	return s.transactionOf(ctx, paymentID, models.TransactionTypeFee)
}

// PayoutTransactionFor returns the latest payout transaction of a payment.
func (s *LedgerStore) PayoutTransactionFor(ctx context.Context, paymentID string) (*models.Transaction, error) {
	return s.transactionOf(ctx, paymentID, models.TransactionTypePayout)
}

func (s *LedgerStore) Transactions(ctx context.Context, paymentID string) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := s.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("created_at ASC").Find(&txns).Error
	return txns, err
}

func (s *LedgerStore) transactionOf(ctx context.Context, paymentID string, t models.TransactionType) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.WithContext(ctx).
		Where("payment_id = ? AND type = ?", paymentID, t).
		Order("created_at DESC").
		First(&txn).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &txn, nil
}

func payoutEligibleTypes() []models.PaymentType {
	return []models.PaymentType{
		models.PaymentTypeCharge,
		models.PaymentTypeProgramPurchase,
		models.PaymentTypeLiveSessionCharge,
		models.PaymentTypeOvertimeCharge,
	}
}
