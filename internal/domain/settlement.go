/**
 * @description
 * Domain models for settlement events and their computed allocations.
 */
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// EventKind classifies a transaction event.
type EventKind string

const (
	EventKindPayment     EventKind = "PAYMENT"
	EventKindRefund      EventKind = "REFUND"
	EventKindChargeback  EventKind = "CHARGEBACK"
	EventKindFeeAdjusted EventKind = "FEE_ADJUSTED"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventKindPayment, EventKindRefund, EventKindChargeback, EventKindFeeAdjusted:
		return true
	}
	return false
}

// IsReversal reports whether events of this kind undo a prior payment.
func (k EventKind) IsReversal() bool {
	return k == EventKindRefund || k == EventKindChargeback || k == EventKindFeeAdjusted
}

// Event statuses stored on settlement_events.
const (
	EventStatusProcessed  = "processed"
	EventStatusUnbalanced = "unbalanced"
)

// TransactionEvent is one payment, refund or chargeback to settle.
type TransactionEvent struct {
	EventID         string    `json:"event_id"`
	Kind            EventKind `json:"event_type"`
	GrossAmount     int64     `json:"gross_amount"`
	CouponAmount    int64     `json:"coupon_amount"`
	RemixChain      []string  `json:"remix_chain"`
	ReferrerID      *string   `json:"referrer_id,omitempty"`
	BuyerUserID     *string   `json:"buyer_user_id,omitempty"`
	CreatorRootID   *string   `json:"creator_root_id,omitempty"`
	CuratorID       *string   `json:"curator_id,omitempty"`
	TemplateID      *string   `json:"template_id,omitempty"`
	ArtifactID      *string   `json:"artifact_id,omitempty"`
	OriginalEventID *string   `json:"original_event_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// AllocationInput is the part of an event the allocation engine reads.
type AllocationInput struct {
	GrossAmount  int64    `json:"gross_amount"`
	CouponAmount int64    `json:"coupon_amount"`
	RemixChain   []string `json:"remix_chain"`
	ReferrerID   *string  `json:"referrer_id,omitempty"`
}

// Input extracts the allocation input of the event.
func (e TransactionEvent) Input() AllocationInput {
	return AllocationInput{
		GrossAmount:  e.GrossAmount,
		CouponAmount: e.CouponAmount,
		RemixChain:   e.RemixChain,
		ReferrerID:   e.ReferrerID,
	}
}

// PoolAmounts holds the four top-level anchor splits.
type PoolAmounts struct {
	Platform       int64 `json:"platform"`
	Creator        int64 `json:"creator"`
	Growth         int64 `json:"growth"`
	Risk           int64 `json:"risk"`
	PlatformActual int64 `json:"platform_actual"`
}

// RemixShare is one compensated entry of a remix chain.
type RemixShare struct {
	CreatorID string `json:"creator_id"`
	Depth     int    `json:"depth"`
	Amount    int64  `json:"amount"`
}

// CreatorSplit divides the creator pool.
type CreatorSplit struct {
	Original    int64        `json:"original"`
	RemixTotal  int64        `json:"remix_total"`
	RemixShares []RemixShare `json:"remix_shares"`
	Curation    int64        `json:"curation"`
}

// GrowthSplit divides the growth pool.
type GrowthSplit struct {
	ReferrerID     *string `json:"referrer_id,omitempty"`
	ReferrerAmount int64   `json:"referrer_amount"`
	CampaignAmount int64   `json:"campaign_amount"`
	ReserveAmount  int64   `json:"reserve_amount"`
}

// Validation records whether the distribution matches collected cash.
type Validation struct {
	TotalDistributed int64 `json:"total_distributed"`
	BalanceDiff      int64 `json:"balance_diff"`
	BalanceCheck     bool  `json:"balance_check"`
}

// AllocationResult is the full computed breakdown of one event.
type AllocationResult struct {
	Input        AllocationInput   `json:"input"`
	PaidAmount   int64             `json:"paid_amount"`
	PGFee        int64             `json:"pg_fee"`
	NetCash      int64             `json:"net_cash"`
	AnchorAmount int64             `json:"anchor_amount"`
	Pools        PoolAmounts       `json:"pools"`
	CreatorSplit CreatorSplit      `json:"creator_split"`
	GrowthSplit  GrowthSplit       `json:"growth_split"`
	Validation   Validation        `json:"validation"`
	Reversal     bool              `json:"reversal"`
	Rates        map[string]string `json:"rates,omitempty"`
}

// SettlementEvent is a persisted event joined with its pool distribution.
type SettlementEvent struct {
	TransactionEvent
	PaidAmount         int64       `json:"paid_amount"`
	PGFee              int64       `json:"pg_fee"`
	NetCash            int64       `json:"net_cash"`
	AnchorAmount       int64       `json:"anchor_amount"`
	Status             string      `json:"status"`
	Pools              PoolAmounts `json:"pools"`
	CreatorUnallocated int64       `json:"creator_unallocated"`
	CreatedAt          time.Time   `json:"created_at"`
}

// GenerateEventID returns an id of the form prefix_<base36 millis>_<16 hex chars>.
func GenerateEventID(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = "evt"
	}
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return prefix + "_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + hex.EncodeToString(buf)
}
