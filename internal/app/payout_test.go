package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
)

// seedReleasedLines settles a large payment for creator-1 with a referrer and a
// small one for creator-2, then releases both past the hold period.
func seedReleasedLines(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()

	big := paymentEvent("evt_big", 100000)
	big.ReferrerID = strPtr("referrer-1")
	small := paymentEvent("evt_small", 10000)
	small.CreatorRootID = strPtr("creator-2")

	for _, event := range []domain.TransactionEvent{big, small} {
		if _, err := env.settlement.Settle(ctx, event); err != nil {
			t.Fatalf("expected %s to settle, got %v", event.EventID, err)
		}
	}

	env.clock.Advance(15 * 24 * time.Hour)
	if _, err := env.ledger.ReleaseHeldShares(ctx); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	env.clock.Advance(time.Hour)
}

func recordFor(t *testing.T, records []domain.PayoutRecord, payee string) domain.PayoutRecord {
	t.Helper()
	for _, rec := range records {
		if rec.CreatorID == payee {
			return rec
		}
	}
	t.Fatalf("expected a payout record for %s", payee)
	return domain.PayoutRecord{}
}

func TestCreatePayoutBatch_SplitsPayableAndDeferred(t *testing.T) {
	env := newTestEnv()
	seedReleasedLines(t, env)

	batch, err := env.payouts.CreatePayoutBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("expected batch creation to succeed, got %v", err)
	}
	if batch.Status != domain.BatchStatusDraft || batch.TotalCreators != 1 || batch.TotalAmount != 20265 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if len(batch.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(batch.Records))
	}

	pending := recordFor(t, batch.Records, "creator-1")
	if pending.Status != domain.PayoutStatusPending || pending.GrossAmount != 20265 || pending.NetAmount != 20265 {
		t.Fatalf("unexpected pending record: %+v", pending)
	}
	for _, payee := range []string{"creator-2", "referrer-1"} {
		rec := recordFor(t, batch.Records, payee)
		if rec.Status != domain.PayoutStatusDeferred || rec.NetAmount != 0 || rec.DeferredReason == nil {
			t.Fatalf("expected deferred record for %s, got %+v", payee, rec)
		}
	}

	small := findShare(t, env.repo.shares, "evt_small", "creator-2", domain.ShareTypeOriginal)
	if small.Status != domain.ShareStatusCarried || small.BatchID != nil {
		t.Fatalf("expected deferred line to be carried unreserved, got %s %v", small.Status, small.BatchID)
	}
	big := findShare(t, env.repo.shares, "evt_big", "creator-1", domain.ShareTypeOriginal)
	if big.Status != domain.ShareStatusReleased || big.BatchID == nil || *big.BatchID != batch.ID {
		t.Fatalf("expected payable line reserved by the draft, got %s %v", big.Status, big.BatchID)
	}
	if env.repo.growth[0].Status != domain.ShareStatusCarried {
		t.Fatalf("expected referrer line to be carried, got %s", env.repo.growth[0].Status)
	}
}

func TestCreatePayoutBatch_RejectsOpenDraft(t *testing.T) {
	env := newTestEnv()
	seedReleasedLines(t, env)
	ctx := context.Background()

	if _, err := env.payouts.CreatePayoutBatch(ctx, nil); err != nil {
		t.Fatalf("expected first batch to succeed, got %v", err)
	}
	if _, err := env.payouts.CreatePayoutBatch(ctx, nil); !errors.Is(err, ErrDraftBatchOpen) {
		t.Fatalf("expected ErrDraftBatchOpen, got %v", err)
	}
	if len(env.repo.batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(env.repo.batches))
	}
}

func TestConfirmAndProcessPayout(t *testing.T) {
	env := newTestEnv()
	seedReleasedLines(t, env)
	ctx := context.Background()

	batch, err := env.payouts.CreatePayoutBatch(ctx, nil)
	if err != nil {
		t.Fatalf("expected batch creation to succeed, got %v", err)
	}
	pending := recordFor(t, batch.Records, "creator-1")

	if _, err := env.payouts.ProcessPayout(ctx, pending.ID, domain.TransferInfo{}); !errors.Is(err, ErrPayoutNotPayable) {
		t.Fatalf("expected draft batch payout to be rejected, got %v", err)
	}

	confirmed, err := env.payouts.ConfirmBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("expected confirm to succeed, got %v", err)
	}
	if confirmed.Status != domain.BatchStatusConfirmed || confirmed.ConfirmedAt == nil {
		t.Fatalf("unexpected confirmed batch: %+v", confirmed)
	}
	line := findShare(t, env.repo.shares, "evt_big", "creator-1", domain.ShareTypeOriginal)
	if line.Status != domain.ShareStatusPending || line.BatchID == nil || *line.BatchID != batch.ID {
		t.Fatalf("expected line stamped with the batch, got %s %v", line.Status, line.BatchID)
	}

	if _, err := env.payouts.ConfirmBatch(ctx, batch.ID); !errors.Is(err, ErrBatchNotDraft) {
		t.Fatalf("expected ErrBatchNotDraft on reconfirm, got %v", err)
	}

	info := domain.TransferInfo{TransferReference: "bank-ref-1", BankCode: "004"}
	paid, err := env.payouts.ProcessPayout(ctx, pending.ID, info)
	if err != nil {
		t.Fatalf("expected payout to complete, got %v", err)
	}
	if paid.Status != domain.PayoutStatusCompleted || paid.TransferReference == nil || *paid.TransferReference != "bank-ref-1" {
		t.Fatalf("unexpected completed record: %+v", paid)
	}
	line = findShare(t, env.repo.shares, "evt_big", "creator-1", domain.ShareTypeOriginal)
	if line.Status != domain.ShareStatusPaid {
		t.Fatalf("expected line to be paid, got %s", line.Status)
	}

	again, err := env.payouts.ProcessPayout(ctx, pending.ID, domain.TransferInfo{TransferReference: "other"})
	if err != nil {
		t.Fatalf("expected repeat completion to be a no-op, got %v", err)
	}
	if *again.TransferReference != "bank-ref-1" {
		t.Fatalf("expected the original transfer to be kept, got %s", *again.TransferReference)
	}
	if env.publisher.count(RoutingPayoutCompleted) != 1 {
		t.Fatalf("expected one payout completed event")
	}

	stats, err := env.payouts.GetPayoutStats(ctx)
	if err != nil {
		t.Fatalf("expected stats, got %v", err)
	}
	if stats.CompletedCount != 1 || stats.TotalPaid != 20265 || stats.DeferredCount != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func batchTotal(shares []domain.CreatorShare, batchID, payee string) int64 {
	var total int64
	for _, s := range shares {
		if s.CreatorID == payee && s.BatchID != nil && *s.BatchID == batchID {
			total += s.Amount
		}
	}
	return total
}

func TestConfirmBatch_LateLineWaitsForNextBatch(t *testing.T) {
	env := newTestEnv()
	seedReleasedLines(t, env)
	ctx := context.Background()

	batch, err := env.payouts.CreatePayoutBatch(ctx, nil)
	if err != nil {
		t.Fatalf("expected batch creation to succeed, got %v", err)
	}

	// Released before the batch was created but committed after it.
	releasedAt := batch.CreatedAt.Add(-time.Minute)
	env.repo.shares = append(env.repo.shares, domain.CreatorShare{
		ID:         "late-line",
		EventID:    "evt_late",
		CreatorID:  "creator-1",
		ShareType:  domain.ShareTypeOriginal,
		Amount:     100,
		Status:     domain.ShareStatusReleased,
		ReleasedAt: &releasedAt,
		CreatedAt:  releasedAt,
	})

	confirmed, err := env.payouts.ConfirmBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("expected confirm to succeed despite the late line, got %v", err)
	}
	if confirmed.Status != domain.BatchStatusConfirmed {
		t.Fatalf("expected confirmed batch, got %s", confirmed.Status)
	}
	if got := batchTotal(env.repo.shares, batch.ID, "creator-1"); got != 20265 {
		t.Fatalf("expected 20265 stamped for creator-1, got %d", got)
	}

	late := env.repo.shares[len(env.repo.shares)-1]
	if late.BatchID != nil || late.Status != domain.ShareStatusReleased {
		t.Fatalf("expected the late line to stay payable, got %s %v", late.Status, late.BatchID)
	}
}

func TestConfirmBatch_MismatchRollsBack(t *testing.T) {
	env := newTestEnv()
	seedReleasedLines(t, env)
	ctx := context.Background()

	batch, err := env.payouts.CreatePayoutBatch(ctx, nil)
	if err != nil {
		t.Fatalf("expected batch creation to succeed, got %v", err)
	}

	for i := range env.repo.shares {
		if env.repo.shares[i].EventID == "evt_big" && env.repo.shares[i].CreatorID == "creator-1" {
			env.repo.shares[i].Amount += 100
			break
		}
	}

	if _, err := env.payouts.ConfirmBatch(ctx, batch.ID); !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch, got %v", err)
	}
	stored, err := env.payouts.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("expected batch lookup, got %v", err)
	}
	if stored.Status != domain.BatchStatusDraft {
		t.Fatalf("expected batch to stay draft, got %s", stored.Status)
	}
	for _, s := range env.repo.shares {
		if s.Status == domain.ShareStatusPending && s.BatchID != nil {
			t.Fatalf("expected stamping to be rolled back, line %s is pending in %s", s.ID, *s.BatchID)
		}
	}
}

func TestDiscardBatch_ReturnsLinesToPool(t *testing.T) {
	env := newTestEnv()
	seedReleasedLines(t, env)
	ctx := context.Background()

	batch, err := env.payouts.CreatePayoutBatch(ctx, nil)
	if err != nil {
		t.Fatalf("expected batch creation to succeed, got %v", err)
	}
	if got := batchTotal(env.repo.shares, batch.ID, "creator-1"); got != 20265 {
		t.Fatalf("expected creator-1 lines reserved at creation, got %d", got)
	}

	discarded, err := env.payouts.DiscardBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("expected discard to succeed, got %v", err)
	}
	if discarded.Status != domain.BatchStatusDiscarded || len(discarded.Records) != 3 {
		t.Fatalf("unexpected discarded batch: %+v", discarded)
	}
	for _, rec := range discarded.Records {
		if rec.Status != domain.PayoutStatusCancelled {
			t.Fatalf("expected record for %s to be cancelled, got %s", rec.CreatorID, rec.Status)
		}
	}
	for _, s := range env.repo.shares {
		if s.BatchID != nil {
			t.Fatalf("expected line %s to be unreserved, got batch %s", s.ID, *s.BatchID)
		}
	}
	line := findShare(t, env.repo.shares, "evt_big", "creator-1", domain.ShareTypeOriginal)
	if line.Status != domain.ShareStatusReleased {
		t.Fatalf("expected line to stay released, got %s", line.Status)
	}

	if _, err := env.payouts.DiscardBatch(ctx, batch.ID); !errors.Is(err, ErrBatchNotDraft) {
		t.Fatalf("expected ErrBatchNotDraft on a second discard, got %v", err)
	}
	if _, err := env.payouts.ConfirmBatch(ctx, batch.ID); !errors.Is(err, ErrBatchNotDraft) {
		t.Fatalf("expected a discarded batch not to confirm, got %v", err)
	}

	stats, err := env.payouts.GetPayoutStats(ctx)
	if err != nil {
		t.Fatalf("expected stats, got %v", err)
	}
	if stats.PendingCount != 0 || stats.DeferredCount != 0 {
		t.Fatalf("expected cancelled records to leave stats, got %+v", stats)
	}

	env.clock.Advance(time.Hour)
	next, err := env.payouts.CreatePayoutBatch(ctx, nil)
	if err != nil {
		t.Fatalf("expected a new batch after discard, got %v", err)
	}
	if next.TotalCreators != 1 || next.TotalAmount != 20265 {
		t.Fatalf("expected creator-1 to be batched again, got %+v", next)
	}
	if _, err := env.payouts.ConfirmBatch(ctx, next.ID); err != nil {
		t.Fatalf("expected the new batch to confirm, got %v", err)
	}
}

func TestCreatePayoutBatch_CarriedLinesAreNotDeferredTwice(t *testing.T) {
	env := newTestEnv()
	seedReleasedLines(t, env)
	ctx := context.Background()

	first, err := env.payouts.CreatePayoutBatch(ctx, nil)
	if err != nil {
		t.Fatalf("expected batch creation to succeed, got %v", err)
	}
	if _, err := env.payouts.ConfirmBatch(ctx, first.ID); err != nil {
		t.Fatalf("expected confirm to succeed, got %v", err)
	}

	env.clock.Advance(time.Hour)
	second, err := env.payouts.CreatePayoutBatch(ctx, nil)
	if err != nil {
		t.Fatalf("expected second batch to succeed, got %v", err)
	}
	if len(second.Records) != 0 || second.TotalCreators != 0 {
		t.Fatalf("expected no new records for carried-only payees, got %+v", second.Records)
	}

	batches, err := env.payouts.ListBatches(ctx, domain.BatchListOptions{})
	if err != nil {
		t.Fatalf("expected list to succeed, got %v", err)
	}
	if len(batches) != 2 || batches[0].ID != second.ID {
		t.Fatalf("expected newest batch first, got %+v", batches)
	}
}

func TestProcessDeduction_CapsAndDefers(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.settlement.Settle(ctx, paymentEvent("evt_pay", 100000)); err != nil {
		t.Fatalf("expected payment to settle, got %v", err)
	}

	first, err := env.payouts.ProcessDeduction(ctx, domain.DeductionRequest{CreatorID: "creator-1", Amount: 5000, Reason: "manual"})
	if err != nil {
		t.Fatalf("expected deduction to succeed, got %v", err)
	}
	// lifetime 20265, cap round(2026.5) = 2027
	if first.ActualDeduction != 2027 || first.DeferredAmount != 2973 || first.RemainingLimit != 0 || first.PayoutID == nil {
		t.Fatalf("unexpected first deduction: %+v", first)
	}

	second, err := env.payouts.ProcessDeduction(ctx, domain.DeductionRequest{CreatorID: "creator-1", Amount: 100, Reason: "manual"})
	if err != nil {
		t.Fatalf("expected deduction to succeed, got %v", err)
	}
	if second.ActualDeduction != 0 || second.DeferredAmount != 100 || second.OutstandingLiability != 3073 || second.PayoutID != nil {
		t.Fatalf("unexpected second deduction: %+v", second)
	}

	rec := env.repo.payouts[0]
	if rec.BatchID != nil || rec.NetAmount != -2027 || rec.DeductionAmount != 2027 || rec.Status != domain.PayoutStatusCompleted {
		t.Fatalf("unexpected deduction record: %+v", rec)
	}
}

func TestProcessDeduction_RejectsInvalidRequest(t *testing.T) {
	env := newTestEnv()

	for _, req := range []domain.DeductionRequest{
		{CreatorID: "", Amount: 100},
		{CreatorID: "creator-1", Amount: 0},
	} {
		if _, err := env.payouts.ProcessDeduction(context.Background(), req); !errors.Is(err, ErrInvalidDeduction) {
			t.Fatalf("expected ErrInvalidDeduction for %+v, got %v", req, err)
		}
	}
}

func TestCollectDeferredDeductions_SettlesOldestFirst(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.settlement.Settle(ctx, paymentEvent("evt_pay", 100000)); err != nil {
		t.Fatalf("expected payment to settle, got %v", err)
	}
	for _, amount := range []int64{5000, 100} {
		if _, err := env.payouts.ProcessDeduction(ctx, domain.DeductionRequest{CreatorID: "creator-1", Amount: amount}); err != nil {
			t.Fatalf("expected deduction to succeed, got %v", err)
		}
	}

	env.clock.now = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	result, err := env.payouts.CollectDeferredDeductions(ctx)
	if err != nil {
		t.Fatalf("expected collection to succeed, got %v", err)
	}
	if result.Creators != 1 || result.Collected != 2027 || result.Remaining != 1046 {
		t.Fatalf("unexpected collection result: %+v", result)
	}

	first, second := env.repo.liabilities[0], env.repo.liabilities[1]
	if first.OutstandingAmount != 946 || first.SettledAt != nil {
		t.Fatalf("expected oldest liability reduced to 946, got %+v", first)
	}
	if second.OutstandingAmount != 100 {
		t.Fatalf("expected newer liability untouched, got %+v", second)
	}
	if len(env.repo.liabilities) != 2 {
		t.Fatalf("expected collection not to add liabilities, got %d", len(env.repo.liabilities))
	}
}
