/**
 * @description
 * Allocation engine: splits one transaction's proceeds into fee, pools and
 * sub-shares using a rate snapshot. Pure computation, safe for concurrent use.
 */
package allocation

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/rates"
)

// BalanceTolerance is the largest accepted gap, in minor units, between the
// distributed total and net cash.
const BalanceTolerance = 1

// RateSource supplies the snapshot used for a computation.
type RateSource interface {
	Snapshot() rates.Snapshot
}

// Engine computes allocations against the rates of its source.
type Engine struct {
	rates RateSource
}

// NewEngine creates an engine reading rates from source.
func NewEngine(source RateSource) *Engine {
	return &Engine{rates: source}
}

// Calculate computes the breakdown of in with the current snapshot.
func (e *Engine) Calculate(in domain.AllocationInput) domain.AllocationResult {
	return CalculateWith(e.rates.Snapshot(), in)
}

// CalculateReversal replays original with the current snapshot and negates it.
func (e *Engine) CalculateReversal(original domain.AllocationInput, partialAmount *int64) domain.AllocationResult {
	return CalculateReversalWith(e.rates.Snapshot(), original, partialAmount)
}

// CalculateWith computes the breakdown of in with snap.
func CalculateWith(snap rates.Snapshot, in domain.AllocationInput) domain.AllocationResult {
	paid := in.GrossAmount - in.CouponAmount
	fee := mulRound(paid, snap.PGFeeRate)
	netCash := paid - fee
	anchor := in.GrossAmount - mulRound(in.GrossAmount, snap.PGFeeRate)

	pools := domain.PoolAmounts{
		Platform: mulRound(anchor, snap.PlatformRate),
		Creator:  mulRound(anchor, snap.CreatorPoolRate),
		Growth:   mulRound(anchor, snap.GrowthPoolRate),
		Risk:     mulRound(anchor, snap.RiskPoolRate),
	}
	pools.PlatformActual = netCash - pools.Creator - pools.Growth - pools.Risk

	chain := effectiveChain(in.RemixChain, snap.RemixMaxDepth)
	creator := splitCreatorPool(pools.Creator, chain, snap)
	growth := splitGrowthPool(pools.Growth, in.ReferrerID, snap)

	total := pools.PlatformActual + pools.Creator + pools.Growth + pools.Risk
	diff := total - netCash
	if diff < 0 {
		diff = -diff
	}

	return domain.AllocationResult{
		Input: domain.AllocationInput{
			GrossAmount:  in.GrossAmount,
			CouponAmount: in.CouponAmount,
			RemixChain:   chain,
			ReferrerID:   growth.ReferrerID,
		},
		PaidAmount:   paid,
		PGFee:        fee,
		NetCash:      netCash,
		AnchorAmount: anchor,
		Pools:        pools,
		CreatorSplit: creator,
		GrowthSplit:  growth,
		Validation: domain.Validation{
			TotalDistributed: total,
			BalanceDiff:      diff,
			BalanceCheck:     diff <= BalanceTolerance,
		},
		Rates: snap.Strings(),
	}
}

// CalculateReversalWith recomputes original, optionally scaled to
// |partialAmount| / |original gross|, and negates every monetary field.
func CalculateReversalWith(snap rates.Snapshot, original domain.AllocationInput, partialAmount *int64) domain.AllocationResult {
	replay := domain.AllocationInput{
		GrossAmount:  abs(original.GrossAmount),
		CouponAmount: abs(original.CouponAmount),
		RemixChain:   original.RemixChain,
		ReferrerID:   original.ReferrerID,
	}

	if partialAmount != nil && abs(*partialAmount) != replay.GrossAmount {
		replay.GrossAmount, replay.CouponAmount = scale(replay.GrossAmount, replay.CouponAmount, abs(*partialAmount))
	}

	result := negate(CalculateWith(snap, replay))
	result.Reversal = true
	return result
}

func scale(gross, coupon, partial int64) (int64, int64) {
	if gross == 0 {
		return 0, 0
	}
	// The paid amount is what gets rounded so that a partial reversal pays back
	// round(paid * ratio); the coupon takes the remainder.
	scaledPaid := roundDecimal(decimal.NewFromInt(gross - coupon).Mul(decimal.NewFromInt(partial)).Div(decimal.NewFromInt(gross)))
	return partial, partial - scaledPaid
}

func splitCreatorPool(pool int64, chain []string, snap rates.Snapshot) domain.CreatorSplit {
	split := domain.CreatorSplit{
		Original:    mulRound(pool, snap.CreatorOriginalRate),
		RemixTotal:  mulRound(pool, snap.CreatorRemixRate),
		Curation:    mulRound(pool, snap.CreatorCurationRate),
		RemixShares: []domain.RemixShare{},
	}

	if len(chain) == 0 {
		return split
	}

	perRemix := divRound(split.RemixTotal, int64(len(chain)))
	for i, creatorID := range chain {
		split.RemixShares = append(split.RemixShares, domain.RemixShare{
			CreatorID: creatorID,
			Depth:     i + 1,
			Amount:    perRemix,
		})
	}
	return split
}

func splitGrowthPool(pool int64, referrerID *string, snap rates.Snapshot) domain.GrowthSplit {
	if referrerID == nil || strings.TrimSpace(*referrerID) == "" {
		return domain.GrowthSplit{ReserveAmount: pool}
	}

	split := domain.GrowthSplit{ReferrerID: referrerID}
	if snap.GrowthPoolRate.IsZero() {
		return split
	}
	split.ReferrerAmount = mulRound(pool, snap.GrowthReferrerRate.Div(snap.GrowthPoolRate))
	split.CampaignAmount = mulRound(pool, snap.GrowthCampaignRate.Div(snap.GrowthPoolRate))
	return split
}

func effectiveChain(chain []string, depth int) []string {
	if depth < 0 {
		depth = 0
	}
	if len(chain) > depth {
		chain = chain[:depth]
	}
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

func negate(r domain.AllocationResult) domain.AllocationResult {
	r.Input.GrossAmount = -r.Input.GrossAmount
	r.Input.CouponAmount = -r.Input.CouponAmount
	r.PaidAmount = -r.PaidAmount
	r.PGFee = -r.PGFee
	r.NetCash = -r.NetCash
	r.AnchorAmount = -r.AnchorAmount

	r.Pools = domain.PoolAmounts{
		Platform:       -r.Pools.Platform,
		Creator:        -r.Pools.Creator,
		Growth:         -r.Pools.Growth,
		Risk:           -r.Pools.Risk,
		PlatformActual: -r.Pools.PlatformActual,
	}

	shares := make([]domain.RemixShare, len(r.CreatorSplit.RemixShares))
	for i, s := range r.CreatorSplit.RemixShares {
		s.Amount = -s.Amount
		shares[i] = s
	}
	r.CreatorSplit = domain.CreatorSplit{
		Original:    -r.CreatorSplit.Original,
		RemixTotal:  -r.CreatorSplit.RemixTotal,
		RemixShares: shares,
		Curation:    -r.CreatorSplit.Curation,
	}

	r.GrowthSplit.ReferrerAmount = -r.GrowthSplit.ReferrerAmount
	r.GrowthSplit.CampaignAmount = -r.GrowthSplit.CampaignAmount
	r.GrowthSplit.ReserveAmount = -r.GrowthSplit.ReserveAmount

	r.Validation.TotalDistributed = -r.Validation.TotalDistributed
	return r
}
