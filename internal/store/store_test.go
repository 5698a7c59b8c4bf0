package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coaching_settlement/internal/models"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*LedgerStore, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Recipient{},
		&models.Payment{},
		&models.Transaction{},
		&models.ReconciliationIssue{},
	))
	return NewLedgerStore(db), db
}

func duePayment(t *testing.T, s *LedgerStore, recipientID string, total int64) *models.Payment {
	t.Helper()
	due := testNow.Add(-time.Minute)
	p := &models.Payment{
		RecipientID:         recipientID,
		ChargeID:            "ch_" + recipientID,
		Type:                models.PaymentTypeCharge,
		Status:              models.PaymentStatusCompleted,
		Amount:              models.Amount{Total: decimal.NewFromInt(total), Currency: "chf"},
		PayoutStatus:        models.PayoutStatusPending,
		NextPayoutAttemptAt: &due,
	}
	require.NoError(t, s.CreatePayment(context.Background(), p))
	return p
}

func adjustment(t *testing.T, s *LedgerStore, recipientID string, amount int64) *models.Payment {
	t.Helper()
	adj := &models.Payment{
		RecipientID:  recipientID,
		Type:         models.PaymentTypeAdjustment,
		Status:       models.PaymentStatusPendingDeduction,
		Amount:       models.Amount{Total: decimal.NewFromInt(amount), Currency: "chf"},
		PayoutStatus: models.PayoutStatusNotApplicable,
	}
	require.NoError(t, s.CreatePayment(context.Background(), adj))
	return adj
}

func TestCompletePayment(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p := &models.Payment{
		Type:   models.PaymentTypeProgramPurchase,
		Status: models.PaymentStatusAuthorized,
		Amount: models.Amount{Total: decimal.NewFromInt(200), Currency: "chf"},
	}
	require.NoError(t, s.CreatePayment(ctx, p))

	done, err := s.CompletePayment(ctx, p.ID, decimal.NewFromInt(200), testNow, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, done.Status)
	assert.Equal(t, models.PayoutStatusPending, done.PayoutStatus)

	_, err = s.CompletePayment(ctx, p.ID, decimal.NewFromInt(200), testNow, 24*time.Hour)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.CompletePayment(ctx, "missing", decimal.NewFromInt(1), testNow, time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordFeeOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := duePayment(t, s, "r1", 100)

	missing, err := s.PaymentsMissingFee(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, p.ID, missing[0].ID)

	fee := models.Money{Value: decimal.NewFromInt(3), Currency: "chf"}
	created, err := s.RecordFeeOnce(ctx, p.ID, fee, "txn_1", nil)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.RecordFeeOnce(ctx, p.ID, models.Money{Value: decimal.NewFromInt(9), Currency: "chf"}, "txn_2", nil)
	require.NoError(t, err)
	assert.False(t, created)

	txns, err := s.Transactions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.True(t, txns[0].Amount.Value.Equal(decimal.NewFromInt(3)))

	missing, err = s.PaymentsMissingFee(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLockForPayout(t *testing.T) {
	t.Run("only one concurrent caller wins the lock", func(t *testing.T) {
		s, _ := newTestStore(t)
		p := duePayment(t, s, "r1", 100)

		var wg sync.WaitGroup
		results := make(chan bool, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.LockForPayout(context.Background(), p.ID, testNow)
				assert.NoError(t, err)
				results <- ok
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for ok := range results {
			if ok {
				wins++
			}
		}
		assert.Equal(t, 1, wins)

		got, err := s.GetPayment(context.Background(), p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PayoutStatusProcessing, got.PayoutStatus)
		assert.Equal(t, 1, got.PayoutAttempts)
		require.NotNil(t, got.PayoutLockedAt)
	})

	t.Run("payment not yet due is not locked", func(t *testing.T) {
		s, _ := newTestStore(t)
		p := duePayment(t, s, "r1", 100)

		_, ok, err := s.LockForPayout(context.Background(), p.ID, testNow.Add(-time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCommitPayoutSubmitted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := duePayment(t, s, "r1", 100)
	adj := adjustment(t, s, "r1", -20)

	attempt, ok, err := s.LockForPayout(ctx, p.ID, testNow)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, attempt)

	reserved, err := s.ReserveAdjustment(ctx, adj.ID, p.ID)
	require.NoError(t, err)
	require.True(t, reserved)

	other := duePayment(t, s, "r1", 50)
	stolen, err := s.ReserveAdjustment(ctx, adj.ID, other.ID)
	require.NoError(t, err)
	assert.False(t, stolen)

	err = s.CommitPayoutSubmitted(ctx, PayoutCommit{
		PaymentID:     p.ID,
		Attempt:       attempt,
		TransferID:    "tr_1",
		Amount:        models.Money{Value: decimal.NewFromInt(80), Currency: "chf"},
		AdjustmentIDs: []string{adj.ID},
		Now:           testNow,
	})
	require.NoError(t, err)

	got, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusSubmitted, got.PayoutStatus)
	assert.Equal(t, "tr_1", got.StripeTransferID)
	assert.Nil(t, got.PayoutLockedAt)

	gotAdj, err := s.GetPayment(ctx, adj.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusDeducted, gotAdj.Status)
	require.NotNil(t, gotAdj.DeductedInPaymentID)
	assert.Equal(t, p.ID, *gotAdj.DeductedInPaymentID)
	assert.Nil(t, gotAdj.ReservedByPaymentID)

	payout, err := s.PayoutTransactionFor(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusProcessing, payout.Status)
	assert.True(t, payout.Amount.Value.Equal(decimal.NewFromInt(80)))

	require.NoError(t, s.MarkPaidOut(ctx, p.ID, testNow))
	got, err = s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPaidOut, got.PayoutStatus)
	payout, err = s.PayoutTransactionFor(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, payout.Status)
}

func TestCommitWithoutLock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := duePayment(t, s, "r1", 100)

	err := s.CommitPayoutSubmitted(ctx, PayoutCommit{
		PaymentID:  p.ID,
		Attempt:    0,
		TransferID: "tr_1",
		Amount:     models.Money{Value: decimal.NewFromInt(100), Currency: "chf"},
		Now:        testNow,
	})
	assert.ErrorIs(t, err, ErrLockLost)

	txns, err := s.Transactions(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestReschedulePayout(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := duePayment(t, s, "r1", 100)
	adj := adjustment(t, s, "r1", -20)

	attempt, ok, err := s.LockForPayout(ctx, p.ID, testNow)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.ReserveAdjustment(ctx, adj.ID, p.ID)
	require.NoError(t, err)

	next := testNow.Add(15 * time.Minute)
	require.NoError(t, s.ReschedulePayout(ctx, p.ID, attempt, next, "gateway timeout"))

	got, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPending, got.PayoutStatus)
	assert.Equal(t, "gateway timeout", got.LastPayoutError)
	require.NotNil(t, got.NextPayoutAttemptAt)
	assert.True(t, next.Equal(*got.NextPayoutAttemptAt))

	gotAdj, err := s.GetPayment(ctx, adj.ID)
	require.NoError(t, err)
	assert.Nil(t, gotAdj.ReservedByPaymentID)
	assert.Equal(t, models.PaymentStatusPendingDeduction, gotAdj.Status)
}

func TestReclaimStaleLocks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	stale := duePayment(t, s, "r1", 100)
	fresh := duePayment(t, s, "r2", 100)

	_, ok, err := s.LockForPayout(ctx, stale.ID, testNow)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.LockForPayout(ctx, fresh.ID, testNow.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	later := testNow.Add(time.Hour + 10*time.Minute)
	reclaimed, err := s.ReclaimStaleLocks(ctx, later.Add(-30*time.Minute), later, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, reclaimed)

	got, err := s.GetPayment(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPending, got.PayoutStatus)
	assert.Equal(t, 1, got.PayoutAttempts)

	got, err = s.GetPayment(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusProcessing, got.PayoutStatus)
}

func TestReclaimedLockRejectsOriginalHolder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := duePayment(t, s, "r1", 100)
	adj := adjustment(t, s, "r1", -20)

	first, ok, err := s.LockForPayout(ctx, p.ID, testNow)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.ReserveAdjustment(ctx, adj.ID, p.ID)
	require.NoError(t, err)

	later := testNow.Add(31 * time.Minute)
	reclaimed, err := s.ReclaimStaleLocks(ctx, later.Add(-30*time.Minute), later, 10)
	require.NoError(t, err)
	require.Equal(t, []string{p.ID}, reclaimed)

	second, ok, err := s.LockForPayout(ctx, p.ID, later)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, second)
	_, err = s.ReserveAdjustment(ctx, adj.ID, p.ID)
	require.NoError(t, err)

	t.Run("original holder cannot commit", func(t *testing.T) {
		err := s.CommitPayoutSubmitted(ctx, PayoutCommit{
			PaymentID:     p.ID,
			Attempt:       first,
			TransferID:    "tr_a",
			Amount:        models.Money{Value: decimal.NewFromInt(80), Currency: "chf"},
			AdjustmentIDs: []string{adj.ID},
			Now:           later,
		})
		assert.ErrorIs(t, err, ErrLockLost)

		txns, err := s.Transactions(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, txns)

		gotAdj, err := s.GetPayment(ctx, adj.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPendingDeduction, gotAdj.Status)
	})

	t.Run("original holder cannot reschedule or fail", func(t *testing.T) {
		assert.ErrorIs(t, s.ReschedulePayout(ctx, p.ID, first, later.Add(time.Hour), "timeout"), ErrLockLost)
		assert.ErrorIs(t, s.FailPayout(ctx, p.ID, first, "timeout"), ErrLockLost)
		assert.ErrorIs(t, s.CommitNothingOwed(ctx, p.ID, first, nil, later), ErrLockLost)

		gotAdj, err := s.GetPayment(ctx, adj.ID)
		require.NoError(t, err)
		require.NotNil(t, gotAdj.ReservedByPaymentID)
		assert.Equal(t, p.ID, *gotAdj.ReservedByPaymentID)
	})

	t.Run("current holder commits", func(t *testing.T) {
		err := s.CommitPayoutSubmitted(ctx, PayoutCommit{
			PaymentID:     p.ID,
			Attempt:       second,
			TransferID:    "tr_b",
			Amount:        models.Money{Value: decimal.NewFromInt(80), Currency: "chf"},
			AdjustmentIDs: []string{adj.ID},
			Now:           later,
		})
		require.NoError(t, err)

		got, err := s.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PayoutStatusSubmitted, got.PayoutStatus)
		assert.Equal(t, "tr_b", got.StripeTransferID)
	})
}

func TestTransitionPayout(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := duePayment(t, s, "r1", 100)

	require.NoError(t, s.TransitionPayout(ctx, p.ID, models.PayoutStatusPending, models.PayoutStatusOnHold, testNow))
	assert.ErrorIs(t, s.TransitionPayout(ctx, p.ID, models.PayoutStatusPending, models.PayoutStatusOnHold, testNow), ErrConflict)
	require.NoError(t, s.TransitionPayout(ctx, p.ID, models.PayoutStatusOnHold, models.PayoutStatusPending, testNow))

	attempt, ok, err := s.LockForPayout(ctx, p.ID, testNow)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.FailPayout(ctx, p.ID, attempt, "no destination"))

	require.NoError(t, s.TransitionPayout(ctx, p.ID, models.PayoutStatusFailed, models.PayoutStatusPending, testNow))
	got, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPending, got.PayoutStatus)
	assert.Equal(t, 0, got.PayoutAttempts)
	assert.Empty(t, got.LastPayoutError)

	assert.ErrorIs(t, s.TransitionPayout(ctx, p.ID, models.PayoutStatusPending, models.PayoutStatusProcessing, testNow), ErrConflict)
}

func TestApplyRefund(t *testing.T) {
	t.Run("commits payment and writes together", func(t *testing.T) {
		s, _ := newTestStore(t)
		ctx := context.Background()
		p := duePayment(t, s, "r1", 100)

		out, err := s.ApplyRefund(ctx, p.ID, func(locked *models.Payment) (*RefundWrites, error) {
			locked.Amount.Refunded = decimal.NewFromInt(50)
			locked.Status = models.PaymentStatusPartiallyRefunded
			return &RefundWrites{
				Transactions: []models.Transaction{{
					PaymentID: locked.ID,
					Type:      models.TransactionTypeRefund,
					Amount:    models.Money{Value: decimal.NewFromInt(-50), Currency: "chf"},
					Status:    models.TransactionStatusCompleted,
				}},
				Issues: []models.ReconciliationIssue{{Kind: models.IssueReversalFailed, PaymentID: locked.ID}},
			}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPartiallyRefunded, out.Status)

		txns, err := s.Transactions(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, txns, 1)

		issues, err := s.ListIssues(ctx, IssueFilter{PaymentID: p.ID, OnlyOpen: true})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		require.NoError(t, s.ResolveIssue(ctx, issues[0].ID, testNow))
		issues, err = s.ListIssues(ctx, IssueFilter{PaymentID: p.ID, OnlyOpen: true})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("nothing is written when refunded would exceed total", func(t *testing.T) {
		s, _ := newTestStore(t)
		ctx := context.Background()
		p := duePayment(t, s, "r1", 100)

		_, err := s.ApplyRefund(ctx, p.ID, func(locked *models.Payment) (*RefundWrites, error) {
			locked.Amount.Refunded = decimal.NewFromInt(101)
			return &RefundWrites{Transactions: []models.Transaction{{PaymentID: locked.ID, Type: models.TransactionTypeRefund}}}, nil
		})
		require.Error(t, err)

		got, err := s.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, got.Amount.Refunded.IsZero())
		txns, err := s.Transactions(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, txns)
	})

	t.Run("callback error aborts", func(t *testing.T) {
		s, _ := newTestStore(t)
		boom := errors.New("boom")
		p := duePayment(t, s, "r1", 100)

		_, err := s.ApplyRefund(context.Background(), p.ID, func(*models.Payment) (*RefundWrites, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	})
}
