/**
 * @description
 * Ledger rows written for each settled event.
 */
package domain

import "time"

// Share types of a creator share.
const (
	ShareTypeOriginal = "original"
	ShareTypeRemix    = "remix"
	ShareTypeCuration = "curation"
)

// Payout statuses of a payable line.
const (
	ShareStatusHeld     = "held"
	ShareStatusReleased = "released"
	ShareStatusCarried  = "carried"
	ShareStatusPending  = "pending"
	ShareStatusPaid     = "paid"
)

// Recovery modes of a reversal share.
const (
	RecoveryNetting   = "netting"
	RecoveryDeduction = "deduction"
)

// Risk pool actions.
const (
	RiskPoolDeposit  = "deposit"
	RiskPoolWithdraw = "withdraw"
)

// CreatorShare is one creator's cut of one event.
type CreatorShare struct {
	ID         string     `json:"id"`
	EventID    string     `json:"event_id"`
	CreatorID  string     `json:"creator_id"`
	ShareType  string     `json:"share_type"`
	Amount     int64      `json:"share_amount"`
	RemixDepth *int       `json:"remix_depth,omitempty"`
	HoldUntil  time.Time  `json:"hold_until"`
	Status     string     `json:"payout_status"`
	BatchID    *string    `json:"payout_batch_id,omitempty"`
	Recovery   *string    `json:"recovery,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// GrowthShare is the growth pool split of one event.
type GrowthShare struct {
	ID             string     `json:"id"`
	EventID        string     `json:"event_id"`
	ReferrerID     *string    `json:"referrer_id,omitempty"`
	ReferrerAmount int64      `json:"referrer_amount"`
	CampaignAmount int64      `json:"campaign_amount"`
	ReserveAmount  int64      `json:"reserve_amount"`
	HoldUntil      time.Time  `json:"hold_until"`
	Status         string     `json:"payout_status"`
	BatchID        *string    `json:"payout_batch_id,omitempty"`
	Recovery       *string    `json:"recovery,omitempty"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RiskPoolEntry is an append-only movement of the risk pool.
type RiskPoolEntry struct {
	ID           int64     `json:"id"`
	EventID      string    `json:"event_id"`
	Amount       int64     `json:"amount"`
	Action       string    `json:"pool_action"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       *string   `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReleaseResult counts lines moved from held to released.
type ReleaseResult struct {
	CreatorShares int64     `json:"creator_shares"`
	GrowthShares  int64     `json:"growth_shares"`
	ReleasedAt    time.Time `json:"released_at"`
}

// CreatorSummary aggregates a creator's shares.
type CreatorSummary struct {
	CreatorID            string `json:"creator_id"`
	TotalEvents          int64  `json:"total_events"`
	TotalEarned          int64  `json:"total_earned"`
	TotalPaid            int64  `json:"total_paid"`
	PendingAmount        int64  `json:"pending_amount"`
	HeldAmount           int64  `json:"held_amount"`
	ReleasableAmount     int64  `json:"releasable_amount"`
	OriginalEarned       int64  `json:"original_earned"`
	RemixEarned          int64  `json:"remix_earned"`
	CurationEarned       int64  `json:"curation_earned"`
	OutstandingLiability int64  `json:"outstanding_liability"`
}

// CreatorHistoryItem is a share joined with its event.
type CreatorHistoryItem struct {
	CreatorShare
	EventType   EventKind `json:"event_type"`
	OccurredAt  time.Time `json:"occurred_at"`
	GrossAmount int64     `json:"gross_amount"`
	TemplateID  *string   `json:"template_id,omitempty"`
	ArtifactID  *string   `json:"artifact_id,omitempty"`
}

// HistoryOptions pages creator history.
type HistoryOptions struct {
	Limit  int
	Offset int
	Status string
}

// ReferrerSummary aggregates a referrer's growth shares.
type ReferrerSummary struct {
	ReferrerID     string `json:"referrer_id"`
	TotalReferrals int64  `json:"total_referrals"`
	TotalEarned    int64  `json:"total_earned"`
	TotalPaid      int64  `json:"total_paid"`
	PendingAmount  int64  `json:"pending_amount"`
}
