package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
)

type settlerStub struct {
	err       error
	duplicate bool
	calls     []domain.TransactionEvent
}

func (s *settlerStub) Settle(ctx context.Context, event domain.TransactionEvent) (*SettleResult, error) {
	s.calls = append(s.calls, event)
	if s.err != nil {
		return nil, s.err
	}
	stored := domain.SettlementEvent{TransactionEvent: event}
	return &SettleResult{Event: &stored, Duplicate: s.duplicate}, nil
}

func TestEventConsumer_AckDecisions(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		wantAck bool
		calls   int
	}{
		{name: "malformed json", body: "{not json", wantAck: true, calls: 0},
		{name: "invalid event", body: `{"event_id":"e1"}`, err: ErrInvalidEvent, wantAck: true, calls: 1},
				{name: "store failure", body: `{"event_id":"e3"}`, err: errors.New("connection reset"), wantAck: false, calls: 1},
		{name: "settled", body: `{"event_id":"e4","event_type":"PAYMENT","gross_amount":1000}`, wantAck: true, calls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			settler := &settlerStub{err: tc.err}
			consumer := NewEventConsumer(settler, nil, "settlement.events", discardLogger())

			if got := consumer.HandleMessage([]byte(tc.body)); got != tc.wantAck {
				t.Fatalf("expected ack=%v, got %v", tc.wantAck, got)
			}
			if len(settler.calls) != tc.calls {
				t.Fatalf("expected %d settle calls, got %d", tc.calls, len(settler.calls))
			}
		})
	}
}

func TestEventConsumer_DuplicateIsAcked(t *testing.T) {
	settler := &settlerStub{duplicate: true}
	consumer := NewEventConsumer(settler, nil, "settlement.events", discardLogger())

	if !consumer.HandleMessage([]byte(`{"event_id":"e1","event_type":"PAYMENT","gross_amount":1000}`)) {
		t.Fatalf("expected duplicates to be acked")
	}
}

func TestEventConsumer_BindingsDefaultKind(t *testing.T) {
	settler := &settlerStub{}
	consumer := NewEventConsumer(settler, nil, "settlement.events", discardLogger())
	bindings := consumer.Bindings()

	if len(bindings) != 4 {
		t.Fatalf("expected 4 bindings, got %d", len(bindings))
	}

	if !bindings[RoutingTransactionRefund]([]byte(`{"event_id":"r1","gross_amount":500,"original_event_id":"p1"}`)) {
		t.Fatalf("expected refund message to be acked")
	}
	if !bindings[RoutingTransactionPayment]([]byte(`{"event_id":"p2","event_type":"CHARGEBACK","gross_amount":500}`)) {
		t.Fatalf("expected message to be acked")
	}

	if settler.calls[0].Kind != domain.EventKindRefund {
		t.Fatalf("expected kind from routing key, got %s", settler.calls[0].Kind)
	}
	if settler.calls[1].Kind != domain.EventKindChargeback {
		t.Fatalf("expected explicit event_type to win, got %s", settler.calls[1].Kind)
	}
}

func TestEventConsumer_UnknownOriginalIsAckedAsAnomaly(t *testing.T) {
	settler := &settlerStub{err: fmt.Errorf("%w: evt_missing", ErrOriginalEventNotFound)}
	publisher := &recordingPublisher{}
	consumer := NewEventConsumer(settler, publisher, "settlement.events", discardLogger())

	body := `{"event_id":"r1","event_type":"REFUND","gross_amount":-500,"original_event_id":"evt_missing"}`
	for i := 0; i < 2; i++ {
		if !consumer.HandleMessage([]byte(body)) {
			t.Fatalf("expected reversal of an unknown payment to be acked")
		}
	}

	if publisher.count(RoutingSettlementAnomaly) != 2 {
		t.Fatalf("expected one anomaly per delivery, got %d", publisher.count(RoutingSettlementAnomaly))
	}
	anomaly, ok := publisher.events[0].body.(SettlementAnomalyEvent)
	if !ok || anomaly.Reason != AnomalyOriginalNotFound || anomaly.OriginalEventID == nil || *anomaly.OriginalEventID != "evt_missing" {
		t.Fatalf("unexpected anomaly payload: %+v", publisher.events[0].body)
	}
}
