package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/rates"
)

type fixedRates struct {
	snap rates.Snapshot
}

func (f fixedRates) Snapshot() rates.Snapshot { return f.snap }

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.routingKey == routingKey {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	repo       *memoryRepo
	clock      *testClock
	publisher  *recordingPublisher
	ledger     *Ledger
	payouts    *PayoutProcessor
	settlement *SettlementService
}

func newTestEnv() *testEnv {
	repo := newMemoryRepo()
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}
	source := fixedRates{snap: rates.DefaultSnapshot()}
	logger := discardLogger()

	ledger := NewLedger(repo, logger, time.UTC, nil)
	ledger.now = clock.Now
	payouts := NewPayoutProcessor(repo, source, publisher, "settlement.events", logger, time.UTC, nil)
	payouts.now = clock.Now
	settlement := NewSettlementService(repo, source, ledger, payouts, publisher, "settlement.events", "evt", logger, nil)
	settlement.now = clock.Now

	return &testEnv{
		repo:       repo,
		clock:      clock,
		publisher:  publisher,
		ledger:     ledger,
		payouts:    payouts,
		settlement: settlement,
	}
}

func strPtr(s string) *string { return &s }
