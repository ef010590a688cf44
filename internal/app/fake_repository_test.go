package app

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/store"
)

// memoryRepo is an in-memory store.Repository. WithinTx snapshots every table
// and restores it when fn fails, which is enough to observe rollbacks.
type memoryRepo struct {
	events      map[string]domain.SettlementEvent
	shares      []domain.CreatorShare
	growth      []domain.GrowthShare
	riskPool    []domain.RiskPoolEntry
	batches     []domain.PayoutBatch
	payouts     []domain.PayoutRecord
	liabilities []domain.DeductionLiability
	rates       map[string]string

	txCount int
}

var _ store.Repository = (*memoryRepo)(nil)

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{events: map[string]domain.SettlementEvent{}, rates: map[string]string{}}
}

type memorySnapshot struct {
	events      map[string]domain.SettlementEvent
	shares      []domain.CreatorShare
	growth      []domain.GrowthShare
	riskPool    []domain.RiskPoolEntry
	batches     []domain.PayoutBatch
	payouts     []domain.PayoutRecord
	liabilities []domain.DeductionLiability
}

func (m *memoryRepo) snapshot() memorySnapshot {
	events := make(map[string]domain.SettlementEvent, len(m.events))
	for k, v := range m.events {
		events[k] = v
	}
	return memorySnapshot{
		events:      events,
		shares:      append([]domain.CreatorShare(nil), m.shares...),
		growth:      append([]domain.GrowthShare(nil), m.growth...),
		riskPool:    append([]domain.RiskPoolEntry(nil), m.riskPool...),
		batches:     append([]domain.PayoutBatch(nil), m.batches...),
		payouts:     append([]domain.PayoutRecord(nil), m.payouts...),
		liabilities: append([]domain.DeductionLiability(nil), m.liabilities...),
	}
}

func (m *memoryRepo) restore(s memorySnapshot) {
	m.events = s.events
	m.shares = s.shares
	m.growth = s.growth
	m.riskPool = s.riskPool
	m.batches = s.batches
	m.payouts = s.payouts
	m.liabilities = s.liabilities
}

func (m *memoryRepo) WithinTx(ctx context.Context, fn func(repo store.Repository) error) error {
	m.txCount++
	saved := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(saved)
		return err
	}
	return nil
}

func (m *memoryRepo) LoadRates(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(m.rates))
	for k, v := range m.rates {
		out[k] = v
	}
	return out, nil
}

func (m *memoryRepo) SaveRates(ctx context.Context, values map[string]string, description *string) error {
	for k, v := range values {
		m.rates[k] = v
	}
	return nil
}

func (m *memoryRepo) InsertEvent(ctx context.Context, event domain.SettlementEvent) (bool, error) {
	if _, ok := m.events[event.EventID]; ok {
		return false, nil
	}
	m.events[event.EventID] = event
	return true, nil
}

func (m *memoryRepo) GetEvent(ctx context.Context, eventID string) (*domain.SettlementEvent, error) {
	event, ok := m.events[eventID]
	if !ok {
		return nil, store.ErrEventNotFound
	}
	return &event, nil
}

func (m *memoryRepo) LockEvent(ctx context.Context, eventID string) error {
	if _, ok := m.events[eventID]; !ok {
		return store.ErrEventNotFound
	}
	return nil
}

func (m *memoryRepo) SumReversedGross(ctx context.Context, originalEventID, excludeEventID string) (int64, error) {
	var total int64
	for id, e := range m.events {
		if id == excludeEventID || e.OriginalEventID == nil || *e.OriginalEventID != originalEventID {
			continue
		}
		if e.GrossAmount < 0 {
			total -= e.GrossAmount
		} else {
			total += e.GrossAmount
		}
	}
	return total, nil
}

func (m *memoryRepo) InsertCreatorShares(ctx context.Context, shares []domain.CreatorShare) error {
	m.shares = append(m.shares, shares...)
	return nil
}

func (m *memoryRepo) InsertGrowthShare(ctx context.Context, share domain.GrowthShare) error {
	m.growth = append(m.growth, share)
	return nil
}

func depthOf(d *int) int {
	if d == nil {
		return 0
	}
	return *d
}

func (m *memoryRepo) FindCreatorShareStatus(ctx context.Context, eventID, creatorID, shareType string, remixDepth *int) (string, error) {
	for _, s := range m.shares {
		if s.EventID == eventID && s.CreatorID == creatorID && s.ShareType == shareType && depthOf(s.RemixDepth) == depthOf(remixDepth) {
			return s.Status, nil
		}
	}
	return "", store.ErrShareNotFound
}

func (m *memoryRepo) FindGrowthShareStatus(ctx context.Context, eventID string) (string, error) {
	for _, g := range m.growth {
		if g.EventID == eventID {
			return g.Status, nil
		}
	}
	return "", store.ErrShareNotFound
}

func (m *memoryRepo) ReleaseHeldShares(ctx context.Context, today, releasedAt time.Time) (domain.ReleaseResult, error) {
	result := domain.ReleaseResult{ReleasedAt: releasedAt}
	for i := range m.shares {
		s := &m.shares[i]
		if s.Status == domain.ShareStatusHeld && !s.HoldUntil.After(today) {
			s.Status = domain.ShareStatusReleased
			s.ReleasedAt = &releasedAt
			result.CreatorShares++
		}
	}
	for i := range m.growth {
		g := &m.growth[i]
		if g.Status == domain.ShareStatusHeld && !g.HoldUntil.After(today) {
			g.Status = domain.ShareStatusReleased
			g.ReleasedAt = &releasedAt
			result.GrowthShares++
		}
	}
	return result, nil
}

func (m *memoryRepo) LockRiskPool(ctx context.Context) error { return nil }

func (m *memoryRepo) LatestRiskPoolBalance(ctx context.Context) (int64, error) {
	if len(m.riskPool) == 0 {
		return 0, nil
	}
	return m.riskPool[len(m.riskPool)-1].BalanceAfter, nil
}

func (m *memoryRepo) InsertRiskPoolEntry(ctx context.Context, entry domain.RiskPoolEntry) (*domain.RiskPoolEntry, error) {
	entry.ID = int64(len(m.riskPool) + 1)
	m.riskPool = append(m.riskPool, entry)
	return &entry, nil
}

func (m *memoryRepo) GetCreatorSummary(ctx context.Context, creatorID string) (*domain.CreatorSummary, error) {
	summary := &domain.CreatorSummary{CreatorID: creatorID}
	events := map[string]bool{}
	for _, s := range m.shares {
		if s.CreatorID != creatorID {
			continue
		}
		events[s.EventID] = true
		summary.TotalEarned += s.Amount
		switch s.Status {
		case domain.ShareStatusPaid:
			summary.TotalPaid += s.Amount
		case domain.ShareStatusPending:
			summary.PendingAmount += s.Amount
		case domain.ShareStatusHeld:
			summary.HeldAmount += s.Amount
		case domain.ShareStatusReleased, domain.ShareStatusCarried:
			summary.ReleasableAmount += s.Amount
		}
		switch s.ShareType {
		case domain.ShareTypeOriginal:
			summary.OriginalEarned += s.Amount
		case domain.ShareTypeRemix:
			summary.RemixEarned += s.Amount
		case domain.ShareTypeCuration:
			summary.CurationEarned += s.Amount
		}
	}
	summary.TotalEvents = int64(len(events))
	for _, l := range m.liabilities {
		if l.CreatorID == creatorID {
			summary.OutstandingLiability += l.OutstandingAmount
		}
	}
	return summary, nil
}

func (m *memoryRepo) ListCreatorHistory(ctx context.Context, creatorID string, opts domain.HistoryOptions) ([]domain.CreatorHistoryItem, error) {
	var items []domain.CreatorHistoryItem
	for i := len(m.shares) - 1; i >= 0; i-- {
		s := m.shares[i]
		if s.CreatorID != creatorID || (opts.Status != "" && s.Status != opts.Status) {
			continue
		}
		event := m.events[s.EventID]
		items = append(items, domain.CreatorHistoryItem{
			CreatorShare: s,
			EventType:    event.Kind,
			OccurredAt:   event.OccurredAt,
			GrossAmount:  event.GrossAmount,
		})
	}
	if opts.Offset >= len(items) {
		return nil, nil
	}
	items = items[opts.Offset:]
	if len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

func (m *memoryRepo) GetReferrerSummary(ctx context.Context, referrerID string) (*domain.ReferrerSummary, error) {
	summary := &domain.ReferrerSummary{ReferrerID: referrerID}
	for _, g := range m.growth {
		if g.ReferrerID == nil || *g.ReferrerID != referrerID {
			continue
		}
		summary.TotalReferrals++
		summary.TotalEarned += g.ReferrerAmount
		switch g.Status {
		case domain.ShareStatusPaid:
			summary.TotalPaid += g.ReferrerAmount
		case domain.ShareStatusPending:
			summary.PendingAmount += g.ReferrerAmount
		}
	}
	return summary, nil
}

func (m *memoryRepo) LockPayoutBatches(ctx context.Context) error { return nil }

func (m *memoryRepo) HasDraftBatch(ctx context.Context) (bool, error) {
	for _, b := range m.batches {
		if b.Status == domain.BatchStatusDraft {
			return true, nil
		}
	}
	return false, nil
}

func payable(status string, recovery, batchID *string) bool {
	if batchID != nil {
		return false
	}
	if status == domain.ShareStatusReleased || status == domain.ShareStatusCarried {
		return true
	}
	return status == domain.ShareStatusPending && recovery != nil && *recovery == domain.RecoveryNetting
}

func (m *memoryRepo) InsertPayoutBatch(ctx context.Context, batch domain.PayoutBatch) error {
	batch.Records = nil
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memoryRepo) ReserveBatchLines(ctx context.Context, batchID string) ([]domain.PayeeBalance, error) {
	byPayee := map[string]*domain.PayeeBalance{}
	add := func(payee string, amount int64, status string) {
		b, ok := byPayee[payee]
		if !ok {
			b = &domain.PayeeBalance{CreatorID: payee}
			byPayee[payee] = b
		}
		b.Total += amount
		b.LineCount++
		if status == domain.ShareStatusReleased {
			b.ReleasedCount++
		}
	}
	for i := range m.shares {
		s := &m.shares[i]
		if payable(s.Status, s.Recovery, s.BatchID) {
			id := batchID
			s.BatchID = &id
			add(s.CreatorID, s.Amount, s.Status)
		}
	}
	for i := range m.growth {
		g := &m.growth[i]
		if g.ReferrerID != nil && g.ReferrerAmount != 0 && payable(g.Status, g.Recovery, g.BatchID) {
			id := batchID
			g.BatchID = &id
			add(*g.ReferrerID, g.ReferrerAmount, g.Status)
		}
	}

	balances := make([]domain.PayeeBalance, 0, len(byPayee))
	for _, b := range byPayee {
		balances = append(balances, *b)
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].CreatorID < balances[j].CreatorID })
	return balances, nil
}

func (m *memoryRepo) InsertPayoutRecords(ctx context.Context, records []domain.PayoutRecord) error {
	for _, rec := range records {
		if rec.BatchID != nil {
			for _, existing := range m.payouts {
				if existing.BatchID != nil && *existing.BatchID == *rec.BatchID && existing.CreatorID == rec.CreatorID {
					return store.ErrDuplicatePayout
				}
			}
		}
		m.payouts = append(m.payouts, rec)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func inBatch(batchID *string, id string) bool {
	return batchID != nil && *batchID == id
}

func (m *memoryRepo) CarryBatchLines(ctx context.Context, batchID string, creatorIDs []string) (int64, error) {
	var carried int64
	for i := range m.shares {
		s := &m.shares[i]
		if inBatch(s.BatchID, batchID) && contains(creatorIDs, s.CreatorID) {
			s.BatchID = nil
			if s.Status == domain.ShareStatusReleased {
				s.Status = domain.ShareStatusCarried
			}
			carried++
		}
	}
	for i := range m.growth {
		g := &m.growth[i]
		if inBatch(g.BatchID, batchID) && g.ReferrerID != nil && contains(creatorIDs, *g.ReferrerID) {
			g.BatchID = nil
			if g.Status == domain.ShareStatusReleased {
				g.Status = domain.ShareStatusCarried
			}
			carried++
		}
	}
	return carried, nil
}

func (m *memoryRepo) batchIndex(batchID string) int {
	for i, b := range m.batches {
		if b.ID == batchID {
			return i
		}
	}
	return -1
}

func (m *memoryRepo) UpdateBatchTotals(ctx context.Context, batchID string, totalCreators int, totalAmount int64) error {
	i := m.batchIndex(batchID)
	if i < 0 {
		return store.ErrBatchNotFound
	}
	m.batches[i].TotalCreators = totalCreators
	m.batches[i].TotalAmount = totalAmount
	return nil
}

func (m *memoryRepo) GetBatch(ctx context.Context, batchID string, forUpdate bool) (*domain.PayoutBatch, error) {
	i := m.batchIndex(batchID)
	if i < 0 {
		return nil, store.ErrBatchNotFound
	}
	batch := m.batches[i]
	return &batch, nil
}

func (m *memoryRepo) ListBatches(ctx context.Context, opts domain.BatchListOptions) ([]domain.PayoutBatch, error) {
	var out []domain.PayoutBatch
	for i := len(m.batches) - 1; i >= 0; i-- {
		if opts.Status == "" || m.batches[i].Status == opts.Status {
			out = append(out, m.batches[i])
		}
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memoryRepo) ListBatchRecords(ctx context.Context, batchID string) ([]domain.PayoutRecord, error) {
	var out []domain.PayoutRecord
	for _, rec := range m.payouts {
		if rec.BatchID != nil && *rec.BatchID == batchID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryRepo) MarkBatchConfirmed(ctx context.Context, batchID string, confirmedAt time.Time) error {
	i := m.batchIndex(batchID)
	if i < 0 || m.batches[i].Status != domain.BatchStatusDraft {
		return store.ErrBatchNotFound
	}
	m.batches[i].Status = domain.BatchStatusConfirmed
	m.batches[i].ConfirmedAt = &confirmedAt
	return nil
}

func (m *memoryRepo) StampBatchLines(ctx context.Context, batchID string) (map[string]int64, error) {
	stamped := map[string]int64{}
	for i := range m.shares {
		s := &m.shares[i]
		if inBatch(s.BatchID, batchID) {
			s.Status = domain.ShareStatusPending
			stamped[s.CreatorID] += s.Amount
		}
	}
	for i := range m.growth {
		g := &m.growth[i]
		if inBatch(g.BatchID, batchID) {
			g.Status = domain.ShareStatusPending
			stamped[*g.ReferrerID] += g.ReferrerAmount
		}
	}
	return stamped, nil
}

func (m *memoryRepo) DiscardBatch(ctx context.Context, batchID string) (int64, error) {
	i := m.batchIndex(batchID)
	if i < 0 || m.batches[i].Status != domain.BatchStatusDraft {
		return 0, store.ErrBatchNotFound
	}
	m.batches[i].Status = domain.BatchStatusDiscarded
	for j := range m.payouts {
		if inBatch(m.payouts[j].BatchID, batchID) {
			m.payouts[j].Status = domain.PayoutStatusCancelled
		}
	}

	var released int64
	for j := range m.shares {
		if inBatch(m.shares[j].BatchID, batchID) {
			m.shares[j].BatchID = nil
			released++
		}
	}
	for j := range m.growth {
		if inBatch(m.growth[j].BatchID, batchID) {
			m.growth[j].BatchID = nil
			released++
		}
	}
	return released, nil
}

func (m *memoryRepo) payoutIndex(payoutID string) int {
	for i, p := range m.payouts {
		if p.ID == payoutID {
			return i
		}
	}
	return -1
}

func (m *memoryRepo) GetPayout(ctx context.Context, payoutID string, forUpdate bool) (*domain.PayoutRecord, error) {
	i := m.payoutIndex(payoutID)
	if i < 0 {
		return nil, store.ErrPayoutNotFound
	}
	rec := m.payouts[i]
	return &rec, nil
}

func (m *memoryRepo) CompletePayout(ctx context.Context, payoutID string, info domain.TransferInfo, transferredAt time.Time) error {
	i := m.payoutIndex(payoutID)
	if i < 0 {
		return store.ErrPayoutNotFound
	}
	rec := &m.payouts[i]
	rec.Status = domain.PayoutStatusCompleted
	rec.TransferReference = optionalString(info.TransferReference)
	rec.BankCode = optionalString(info.BankCode)
	rec.AccountNumber = optionalString(info.AccountNumber)
	rec.AccountHolder = optionalString(info.AccountHolder)
	rec.TransferredAt = &transferredAt
	return nil
}

func (m *memoryRepo) MarkBatchLinesPaid(ctx context.Context, batchID, creatorID string) (int64, error) {
	var n int64
	for i := range m.shares {
		s := &m.shares[i]
		if s.BatchID != nil && *s.BatchID == batchID && s.CreatorID == creatorID && s.Status == domain.ShareStatusPending {
			s.Status = domain.ShareStatusPaid
			n++
		}
	}
	for i := range m.growth {
		g := &m.growth[i]
		if g.BatchID != nil && *g.BatchID == batchID && g.ReferrerID != nil && *g.ReferrerID == creatorID && g.Status == domain.ShareStatusPending {
			g.Status = domain.ShareStatusPaid
			n++
		}
	}
	return n, nil
}

func (m *memoryRepo) GetPayoutStats(ctx context.Context) (*domain.PayoutStats, error) {
	stats := &domain.PayoutStats{}
	for _, rec := range m.payouts {
		if rec.BatchID == nil {
			continue
		}
		switch rec.Status {
		case domain.PayoutStatusCompleted:
			stats.CompletedCount++
			stats.TotalPaid += rec.NetAmount
		case domain.PayoutStatusPending:
			stats.PendingCount++
			stats.PendingAmount += rec.NetAmount
		case domain.PayoutStatusDeferred:
			stats.DeferredCount++
			stats.DeferredAmount += rec.GrossAmount
		}
	}
	return stats, nil
}

func (m *memoryRepo) SumLifetimeEarnings(ctx context.Context, creatorID string) (int64, error) {
	var total int64
	for _, s := range m.shares {
		if s.CreatorID == creatorID {
			total += s.Amount
		}
	}
	for _, g := range m.growth {
		if g.ReferrerID != nil && *g.ReferrerID == creatorID {
			total += g.ReferrerAmount
		}
	}
	return total, nil
}

func (m *memoryRepo) SumDeductionsSince(ctx context.Context, creatorID string, since time.Time) (int64, error) {
	var total int64
	for _, rec := range m.payouts {
		if rec.CreatorID == creatorID && rec.Status == domain.PayoutStatusCompleted && !rec.CreatedAt.Before(since) {
			total += rec.DeductionAmount
		}
	}
	return total, nil
}

func (m *memoryRepo) InsertDeductionLiability(ctx context.Context, liability domain.DeductionLiability) error {
	if liability.ID == "" {
		liability.ID = "liability-" + strconv.Itoa(len(m.liabilities)+1)
	}
	m.liabilities = append(m.liabilities, liability)
	return nil
}

func (m *memoryRepo) ListOutstandingLiabilities(ctx context.Context, creatorID string) ([]domain.DeductionLiability, error) {
	var out []domain.DeductionLiability
	for _, l := range m.liabilities {
		if l.CreatorID == creatorID && l.OutstandingAmount > 0 {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memoryRepo) ListCreatorsWithLiabilities(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, l := range m.liabilities {
		if l.OutstandingAmount > 0 && !seen[l.CreatorID] {
			seen[l.CreatorID] = true
			out = append(out, l.CreatorID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryRepo) ReduceLiability(ctx context.Context, liabilityID string, amount int64, at time.Time) error {
	for i := range m.liabilities {
		l := &m.liabilities[i]
		if l.ID != liabilityID {
			continue
		}
		l.OutstandingAmount -= amount
		if l.OutstandingAmount <= 0 {
			l.OutstandingAmount = 0
			l.SettledAt = &at
		}
		return nil
	}
	return nil
}
