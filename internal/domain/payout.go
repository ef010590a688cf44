/**
 * @description
 * Domain models for payout batches, payout records and deductions.
 */
package domain

import "time"

// Batch statuses.
const (
	BatchStatusDraft     = "draft"
	BatchStatusConfirmed = "confirmed"
	BatchStatusDiscarded = "discarded"
)

// Payout record statuses.
const (
	PayoutStatusPending   = "pending"
	PayoutStatusDeferred  = "deferred"
	PayoutStatusCompleted = "completed"
	PayoutStatusCancelled = "cancelled"
)

// PayoutBatch groups one batching run.
type PayoutBatch struct {
	ID            string         `json:"id"`
	BatchDate     time.Time      `json:"batch_date"`
	MinPayout     int64          `json:"min_payout"`
	Status        string         `json:"status"`
	TotalCreators int            `json:"total_creators"`
	TotalAmount   int64          `json:"total_amount"`
	ConfirmedAt   *time.Time     `json:"confirmed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Records       []PayoutRecord `json:"payouts,omitempty"`
}

// PayoutRecord is one payee's line in a batch, or a standalone deduction.
type PayoutRecord struct {
	ID                string     `json:"id"`
	BatchID           *string    `json:"batch_id,omitempty"`
	CreatorID         string     `json:"creator_id"`
	GrossAmount       int64      `json:"gross_amount"`
	DeductionAmount   int64      `json:"deduction_amount"`
	NetAmount         int64      `json:"net_amount"`
	Status            string     `json:"status"`
	ShareCount        int        `json:"share_count"`
	DeferredReason    *string    `json:"deferred_reason,omitempty"`
	EventID           *string    `json:"event_id,omitempty"`
	TransferReference *string    `json:"transfer_reference,omitempty"`
	BankCode          *string    `json:"bank_code,omitempty"`
	AccountNumber     *string    `json:"account_number,omitempty"`
	AccountHolder     *string    `json:"account_holder,omitempty"`
	TransferredAt     *time.Time `json:"transferred_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// PayeeBalance is the aggregate of a payee's payable lines.
type PayeeBalance struct {
	CreatorID     string
	Total         int64
	LineCount     int
	ReleasedCount int
}

// TransferInfo carries the outcome of an external bank transfer.
type TransferInfo struct {
	TransferReference string     `json:"transfer_reference"`
	BankCode          string     `json:"bank_code"`
	AccountNumber     string     `json:"account_number"`
	AccountHolder     string     `json:"account_holder"`
	TransferredAt     *time.Time `json:"transferred_at,omitempty"`
}

// DeductionRequest asks to claw back money from a payee.
type DeductionRequest struct {
	CreatorID string  `json:"creator_id"`
	Amount    int64   `json:"amount"`
	Reason    string  `json:"reason"`
	EventID   *string `json:"event_id,omitempty"`
}

// DeductionResult reports how much of a deduction applied now.
type DeductionResult struct {
	CreatorID            string  `json:"creator_id"`
	RequestedAmount      int64   `json:"requested_amount"`
	ActualDeduction      int64   `json:"actual_deduction"`
	DeferredAmount       int64   `json:"deferred_amount"`
	MonthlyLimit         int64   `json:"monthly_limit"`
	RemainingLimit       int64   `json:"remaining_limit"`
	OutstandingLiability int64   `json:"outstanding_liability"`
	PayoutID             *string `json:"payout_id,omitempty"`
}

// DeductionLiability tracks a deduction shortfall still to collect.
type DeductionLiability struct {
	ID                string     `json:"id"`
	CreatorID         string     `json:"creator_id"`
	EventID           *string    `json:"event_id,omitempty"`
	Reason            string     `json:"reason"`
	Amount            int64      `json:"amount"`
	OutstandingAmount int64      `json:"outstanding_amount"`
	CreatedAt         time.Time  `json:"created_at"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
}

// BatchListOptions pages batch listings.
type BatchListOptions struct {
	Limit  int
	Offset int
	Status string
}

// PayoutStats summarizes payout records.
type PayoutStats struct {
	CompletedCount int64 `json:"completed_count"`
	PendingCount   int64 `json:"pending_count"`
	DeferredCount  int64 `json:"deferred_count"`
	TotalPaid      int64 `json:"total_paid"`
	PendingAmount  int64 `json:"pending_amount"`
	DeferredAmount int64 `json:"deferred_amount"`
}

// CollectionResult summarizes a deferred deduction collection run.
type CollectionResult struct {
	Creators  int   `json:"creators"`
	Collected int64 `json:"collected"`
	Remaining int64 `json:"remaining"`
}
