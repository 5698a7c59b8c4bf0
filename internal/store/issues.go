package store

import (
	"context"
	"time"

	"coaching_settlement/internal/models"
)

func (s *LedgerStore) RecordIssue(ctx context.Context, issue *models.ReconciliationIssue) error {
	return s.db.WithContext(ctx).Create(issue).Error
}

// IssueFilter narrows ListIssues. Zero values match everything.
type IssueFilter struct {
	Kind      models.IssueKind
	PaymentID string
	OnlyOpen  bool
	Limit     int
}

func (s *LedgerStore) ListIssues(ctx context.Context, f IssueFilter) ([]models.ReconciliationIssue, error) {
	q := s.db.WithContext(ctx).Model(&models.ReconciliationIssue{})
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.PaymentID != "" {
		q = q.Where("payment_id = ?", f.PaymentID)
	}
	if f.OnlyOpen {
		q = q.Where("resolved_at IS NULL")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var issues []models.ReconciliationIssue
	err := q.Order("created_at DESC, id DESC").Find(&issues).Error
	return issues, err
}

func (s *LedgerStore) ResolveIssue(ctx context.Context, id uint, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.ReconciliationIssue{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
