/**
 * @description
 * Outbound settlement events and the publisher contract used to emit them.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
)

// Routing keys of events published on the settlement exchange.
const (
	RoutingSettlementRecorded = "settlement.recorded"
	RoutingSettlementAnomaly  = "settlement.anomaly"
	RoutingPayoutCompleted    = "settlement.payout_completed"
	RoutingDeductionApplied   = "settlement.deduction_applied"
)

// EventPublisher is satisfied by rabbitmq.EventProducer and its fallback.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// SettlementRecordedEvent announces a persisted settlement.
type SettlementRecordedEvent struct {
	EventID         string             `json:"event_id"`
	EventType       domain.EventKind   `json:"event_type"`
	OriginalEventID *string            `json:"original_event_id,omitempty"`
	GrossAmount     int64              `json:"gross_amount"`
	NetCash         int64              `json:"net_cash"`
	AnchorAmount    int64              `json:"anchor_amount"`
	Pools           domain.PoolAmounts `json:"pools"`
	Status          string             `json:"status"`
	OccurredAt      time.Time          `json:"occurred_at"`
}

// Anomaly reasons.
const (
	AnomalyUnbalanced       = "unbalanced"
	AnomalyOriginalNotFound = "original_event_not_found"
)

// SettlementAnomalyEvent reports an event that could not be settled cleanly:
// a distribution that did not balance, or a reversal of an unknown payment.
type SettlementAnomalyEvent struct {
	EventID          string           `json:"event_id"`
	EventType        domain.EventKind `json:"event_type"`
	Reason           string           `json:"reason"`
	OriginalEventID  *string          `json:"original_event_id,omitempty"`
	NetCash          int64            `json:"net_cash"`
	TotalDistributed int64            `json:"total_distributed"`
	BalanceDiff      int64            `json:"balance_diff"`
	DetectedAt       time.Time        `json:"detected_at"`
}

// PayoutCompletedEvent reports a recorded bank transfer.
type PayoutCompletedEvent struct {
	PayoutID          string    `json:"payout_id"`
	BatchID           string    `json:"batch_id"`
	CreatorID         string    `json:"creator_id"`
	NetAmount         int64     `json:"net_amount"`
	TransferReference string    `json:"transfer_reference,omitempty"`
	TransferredAt     time.Time `json:"transferred_at"`
}

// DeductionAppliedEvent reports a clawback against a payee.
type DeductionAppliedEvent struct {
	CreatorID       string  `json:"creator_id"`
	EventID         *string `json:"event_id,omitempty"`
	RequestedAmount int64   `json:"requested_amount"`
	ActualDeduction int64   `json:"actual_deduction"`
	DeferredAmount  int64   `json:"deferred_amount"`
}

// emitter publishes best-effort: failures are logged, never returned.
type emitter struct {
	publisher EventPublisher
	exchange  string
	logger    *slog.Logger
}

func (e emitter) emit(ctx context.Context, routingKey string, body interface{}) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, e.exchange, routingKey, body); err != nil {
		e.logger.Warn("failed to publish settlement event", "routing_key", routingKey, "error", err)
	}
}

func deductionEvent(res domain.DeductionResult, eventID *string) DeductionAppliedEvent {
	return DeductionAppliedEvent{
		CreatorID:       res.CreatorID,
		EventID:         eventID,
		RequestedAmount: res.RequestedAmount,
		ActualDeduction: res.ActualDeduction,
		DeferredAmount:  res.DeferredAmount,
	}
}
