package models

import (
	"time"

	"gorm.io/datatypes"
)

type IssueKind string

const (
	// A gateway operation succeeded but the ledger write that should follow it failed
	IssueExternalAheadOfLedger IssueKind = "external_ahead_of_ledger"
	IssueReversalFailed        IssueKind = "reversal_failed"
	IssueAdjustmentOverlap     IssueKind = "adjustment_overlaps_reversal"
	IssuePayoutLockLost        IssueKind = "payout_lock_lost"
	IssuePayoutFailed          IssueKind = "payout_failed"
	// A refund was committed while the payout of the same payment was in flight
	IssueRefundRacedPayout IssueKind = "refund_raced_payout"
	// An adopted transfer was sized with an adjustment that has since been closed elsewhere
	IssueAdoptedAdjustmentGone IssueKind = "adopted_adjustment_gone"
)

// ReconciliationIssue records a state that needs manual or later automated repair
type ReconciliationIssue struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Kind        IssueKind         `gorm:"type:varchar(50);index" json:"kind"`
	PaymentID   string            `gorm:"type:varchar(36);index" json:"payment_id"`
	ExternalRef string            `gorm:"type:varchar(255)" json:"external_ref"`
	Details     datatypes.JSONMap `json:"details"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}
