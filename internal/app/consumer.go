package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/pkg/rabbitmq"
)

// Routing keys of inbound transaction events.
const (
	RoutingTransactionPayment     = "transaction.payment"
	RoutingTransactionRefund      = "transaction.refund"
	RoutingTransactionChargeback  = "transaction.chargeback"
	RoutingTransactionFeeAdjusted = "transaction.fee_adjusted"
)

var routingKinds = map[string]domain.EventKind{
	RoutingTransactionPayment:     domain.EventKindPayment,
	RoutingTransactionRefund:      domain.EventKindRefund,
	RoutingTransactionChargeback:  domain.EventKindChargeback,
	RoutingTransactionFeeAdjusted: domain.EventKindFeeAdjusted,
}

// Settler settles one transaction event.
type Settler interface {
	Settle(ctx context.Context, event domain.TransactionEvent) (*SettleResult, error)
}

// EventConsumer settles transaction events delivered over RabbitMQ.
type EventConsumer struct {
	settler Settler
	events  emitter
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewEventConsumer creates a consumer. Reversals whose payment is unknown are
// reported as anomalies on exchange through publisher.
func NewEventConsumer(settler Settler, publisher EventPublisher, exchange string, logger *slog.Logger) *EventConsumer {
	return &EventConsumer{
		settler: settler,
		events:  emitter{publisher: publisher, exchange: exchange, logger: logger},
		logger:  logger,
		timeout: 15 * time.Second,
		now:     time.Now,
	}
}

// Bindings returns one handler per inbound routing key. Messages that omit
// event_type take the kind of their routing key.
func (c *EventConsumer) Bindings() map[string]rabbitmq.Handler {
	bindings := make(map[string]rabbitmq.Handler, len(routingKinds))
	for key, kind := range routingKinds {
		kind := kind
		bindings[key] = func(body []byte) bool {
			return c.handle(body, kind)
		}
	}
	return bindings
}

// HandleMessage settles body; true acks the delivery, false re-queues it.
func (c *EventConsumer) HandleMessage(body []byte) bool {
	return c.handle(body, "")
}

func (c *EventConsumer) handle(body []byte, defaultKind domain.EventKind) bool {
	var event domain.TransactionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal transaction event; dropping", "error", err)
		return true
	}
	if event.Kind == "" {
		event.Kind = defaultKind
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result, err := c.settler.Settle(ctx, event)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidEvent):
		c.logger.Warn("invalid transaction event; dropping", "event_id", event.EventID, "error", err)
		return true
	case errors.Is(err, ErrOriginalEventNotFound):
		c.logger.Error("reversal references an unknown payment; acknowledging", "event_id", event.EventID, "original_event_id", event.OriginalEventID, "error", err)
		c.events.emit(ctx, RoutingSettlementAnomaly, SettlementAnomalyEvent{
			EventID:         event.EventID,
			EventType:       event.Kind,
			Reason:          AnomalyOriginalNotFound,
			OriginalEventID: event.OriginalEventID,
			DetectedAt:      c.now(),
		})
		return true
	default:
		c.logger.Error("failed to settle transaction event", "event_id", event.EventID, "event_type", event.Kind, "error", err)
		return false
	}

	if result.Duplicate {
		c.logger.Info("transaction event already settled", "event_id", result.Event.EventID)
	}
	return true
}
