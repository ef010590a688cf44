/**
 * @description
 * Settlement constants and the immutable snapshot the allocation engine reads.
 */
package rates

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownKey       = errors.New("unknown settlement constant")
	ErrInvalidRates     = errors.New("invalid settlement rates")
	ErrRatesUnavailable = errors.New("settlement rates unavailable")
)

// Key names one settlement constant.
type Key string

const (
	PlatformRate            Key = "platform_rate"
	CreatorPoolRate         Key = "creator_pool_rate"
	GrowthPoolRate          Key = "growth_pool_rate"
	RiskPoolRate            Key = "risk_pool_rate"
	CreatorOriginalRate     Key = "creator_original_rate"
	CreatorRemixRate        Key = "creator_remix_rate"
	CreatorCurationRate     Key = "creator_curation_rate"
	RemixMaxDepth           Key = "remix_max_depth"
	GrowthReferrerRate      Key = "growth_referrer_rate"
	GrowthCampaignRate      Key = "growth_campaign_rate"
	HoldDays                Key = "hold_days"
	MinPayout               Key = "min_payout"
	MaxMonthlyDeductionRate Key = "max_monthly_deduction_rate"
	PGFeeRate               Key = "pg_fee_rate"
)

// Keys lists every recognized constant in a stable order.
var Keys = []Key{
	PlatformRate,
	CreatorPoolRate,
	GrowthPoolRate,
	RiskPoolRate,
	CreatorOriginalRate,
	CreatorRemixRate,
	CreatorCurationRate,
	RemixMaxDepth,
	GrowthReferrerRate,
	GrowthCampaignRate,
	HoldDays,
	MinPayout,
	MaxMonthlyDeductionRate,
	PGFeeRate,
}

var integerKeys = map[Key]bool{RemixMaxDepth: true, HoldDays: true, MinPayout: true}

// ParseKey validates a constant name.
func ParseKey(raw string) (Key, error) {
	key := Key(raw)
	for _, k := range Keys {
		if k == key {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKey, raw)
}

// Snapshot is one consistent set of settlement constants.
type Snapshot struct {
	PlatformRate            decimal.Decimal
	CreatorPoolRate         decimal.Decimal
	GrowthPoolRate          decimal.Decimal
	RiskPoolRate            decimal.Decimal
	CreatorOriginalRate     decimal.Decimal
	CreatorRemixRate        decimal.Decimal
	CreatorCurationRate     decimal.Decimal
	RemixMaxDepth           int
	GrowthReferrerRate      decimal.Decimal
	GrowthCampaignRate      decimal.Decimal
	HoldDays                int
	MinPayout               int64
	MaxMonthlyDeductionRate decimal.Decimal
	PGFeeRate               decimal.Decimal
}

// DefaultSnapshot returns the built-in constants.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		PlatformRate:            decimal.RequireFromString("0.55"),
		CreatorPoolRate:         decimal.RequireFromString("0.30"),
		GrowthPoolRate:          decimal.RequireFromString("0.10"),
		RiskPoolRate:            decimal.RequireFromString("0.05"),
		CreatorOriginalRate:     decimal.RequireFromString("0.70"),
		CreatorRemixRate:        decimal.RequireFromString("0.20"),
		CreatorCurationRate:     decimal.RequireFromString("0.10"),
		RemixMaxDepth:           3,
		GrowthReferrerRate:      decimal.RequireFromString("0.07"),
		GrowthCampaignRate:      decimal.RequireFromString("0.03"),
		HoldDays:                14,
		MinPayout:               10000,
		MaxMonthlyDeductionRate: decimal.RequireFromString("0.10"),
		PGFeeRate:               decimal.RequireFromString("0.035"),
	}
}

// Value returns the constant named by key.
func (s Snapshot) Value(key Key) (decimal.Decimal, error) {
	switch key {
	case PlatformRate:
		return s.PlatformRate, nil
	case CreatorPoolRate:
		return s.CreatorPoolRate, nil
	case GrowthPoolRate:
		return s.GrowthPoolRate, nil
	case RiskPoolRate:
		return s.RiskPoolRate, nil
	case CreatorOriginalRate:
		return s.CreatorOriginalRate, nil
	case CreatorRemixRate:
		return s.CreatorRemixRate, nil
	case CreatorCurationRate:
		return s.CreatorCurationRate, nil
	case RemixMaxDepth:
		return decimal.NewFromInt(int64(s.RemixMaxDepth)), nil
	case GrowthReferrerRate:
		return s.GrowthReferrerRate, nil
	case GrowthCampaignRate:
		return s.GrowthCampaignRate, nil
	case HoldDays:
		return decimal.NewFromInt(int64(s.HoldDays)), nil
	case MinPayout:
		return decimal.NewFromInt(s.MinPayout), nil
	case MaxMonthlyDeductionRate:
		return s.MaxMonthlyDeductionRate, nil
	case PGFeeRate:
		return s.PGFeeRate, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

// With returns a copy of s with key set to value.
func (s Snapshot) With(key Key, value decimal.Decimal) (Snapshot, error) {
	if integerKeys[key] {
		if !value.IsInteger() || value.IsNegative() {
			return s, fmt.Errorf("%w: %s must be a non-negative integer, got %s", ErrInvalidRates, key, value)
		}
	}

	switch key {
	case PlatformRate:
		s.PlatformRate = value
	case CreatorPoolRate:
		s.CreatorPoolRate = value
	case GrowthPoolRate:
		s.GrowthPoolRate = value
	case RiskPoolRate:
		s.RiskPoolRate = value
	case CreatorOriginalRate:
		s.CreatorOriginalRate = value
	case CreatorRemixRate:
		s.CreatorRemixRate = value
	case CreatorCurationRate:
		s.CreatorCurationRate = value
	case RemixMaxDepth:
		s.RemixMaxDepth = int(value.IntPart())
	case GrowthReferrerRate:
		s.GrowthReferrerRate = value
	case GrowthCampaignRate:
		s.GrowthCampaignRate = value
	case HoldDays:
		s.HoldDays = int(value.IntPart())
	case MinPayout:
		s.MinPayout = value.IntPart()
	case MaxMonthlyDeductionRate:
		s.MaxMonthlyDeductionRate = value
	case PGFeeRate:
		s.PGFeeRate = value
	default:
		return s, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return s, nil
}

// Values returns every constant keyed by name.
func (s Snapshot) Values() map[Key]decimal.Decimal {
	values := make(map[Key]decimal.Decimal, len(Keys))
	for _, key := range Keys {
		v, _ := s.Value(key)
		values[key] = v
	}
	return values
}

// Strings renders every constant as a decimal string.
func (s Snapshot) Strings() map[string]string {
	out := make(map[string]string, len(Keys))
	for key, v := range s.Values() {
		out[string(key)] = v.String()
	}
	return out
}

var one = decimal.NewFromInt(1)

// Validate checks that the pool rates and the creator sub-rates each sum to
// exactly one, that the growth sub-rates cover the growth pool, and that every
// rate lies in its range.
func (s Snapshot) Validate() error {
	var problems []string

	for _, key := range Keys {
		if integerKeys[key] {
			continue
		}
		v, _ := s.Value(key)
		if v.IsNegative() || v.GreaterThan(one) {
			problems = append(problems, fmt.Sprintf("%s=%s is outside [0,1]", key, v))
		}
	}
	if s.PGFeeRate.Equal(one) {
		problems = append(problems, "pg_fee_rate must be below 1")
	}
	if s.RemixMaxDepth < 0 || s.HoldDays < 0 || s.MinPayout < 0 {
		problems = append(problems, "integer constants must be non-negative")
	}

	pools := s.PlatformRate.Add(s.CreatorPoolRate).Add(s.GrowthPoolRate).Add(s.RiskPoolRate)
	if !pools.Equal(one) {
		problems = append(problems, fmt.Sprintf("pool rates sum to %s, want 1", pools))
	}
	creator := s.CreatorOriginalRate.Add(s.CreatorRemixRate).Add(s.CreatorCurationRate)
	if !creator.Equal(one) {
		problems = append(problems, fmt.Sprintf("creator sub-rates sum to %s, want 1", creator))
	}
	growth := s.GrowthReferrerRate.Add(s.GrowthCampaignRate)
	if !growth.Equal(s.GrowthPoolRate) {
		problems = append(problems, fmt.Sprintf("growth referrer+campaign rates sum to %s, want growth_pool_rate %s", growth, s.GrowthPoolRate))
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %v", ErrInvalidRates, problems)
}
