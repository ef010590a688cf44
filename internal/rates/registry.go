/**
 * @description
 * Rate registry: owns the live settlement constants, loads overrides from the
 * persisted store and hot-swaps validated updates.
 */
package rates

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Store persists constant overrides.
type Store interface {
	LoadRates(ctx context.Context) (map[string]string, error)
	SaveRates(ctx context.Context, values map[string]string, description *string) error
}

// Notifier tells peer instances that constants changed.
type Notifier interface {
	NotifyRatesChanged(ctx context.Context, keys []Key) error
}

// Registry is the single owner of the current rate snapshot.
type Registry struct {
	store    Store
	defaults Snapshot
	logger   *slog.Logger
	notifier Notifier

	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
}

// NewRegistry creates a registry serving defaults until Load succeeds.
func NewRegistry(store Store, defaults Snapshot, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{store: store, defaults: defaults, logger: logger}
	snap := defaults
	r.current.Store(&snap)
	return r
}

// SetNotifier installs a change notifier used after successful updates.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// Snapshot returns the current constants.
func (r *Registry) Snapshot() Snapshot {
	return *r.current.Load()
}

// Get returns one constant.
func (r *Registry) Get(key Key) (decimal.Decimal, error) {
	return r.Snapshot().Value(key)
}

// GetAll returns every constant.
func (r *Registry) GetAll() map[Key]decimal.Decimal {
	return r.Snapshot().Values()
}

// Load replaces the snapshot with defaults overlaid by persisted values.
// On failure the previous snapshot stays active and the error is returned.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store == nil {
		return fmt.Errorf("%w: no store configured", ErrRatesUnavailable)
	}

	stored, err := r.store.LoadRates(ctx)
	if err != nil {
		r.logger.Warn("failed to load settlement constants, keeping current values", "error", err)
		return fmt.Errorf("%w: %v", ErrRatesUnavailable, err)
	}

	snap := r.defaults
	for raw, value := range stored {
		key, err := ParseKey(raw)
		if err != nil {
			r.logger.Warn("ignoring unknown settlement constant", "key", raw)
			continue
		}
		parsed, err := decimal.NewFromString(value)
		if err != nil {
			r.logger.Warn("ignoring unparsable settlement constant", "key", raw, "value", value, "error", err)
			continue
		}
		next, err := snap.With(key, parsed)
		if err != nil {
			r.logger.Warn("ignoring invalid settlement constant", "key", raw, "value", value, "error", err)
			continue
		}
		snap = next
	}

	if err := snap.Validate(); err != nil {
		r.logger.Error("persisted settlement constants are inconsistent, keeping current values", "error", err)
		return err
	}

	r.current.Store(&snap)
	r.logger.Info("settlement constants loaded", "overrides", len(stored))
	return nil
}

// Update sets one constant. See UpdateMany.
func (r *Registry) Update(ctx context.Context, key Key, value decimal.Decimal, description *string) (Snapshot, error) {
	return r.UpdateMany(ctx, map[Key]decimal.Decimal{key: value}, description)
}

// UpdateMany validates the combined change, persists it, then swaps it in for
// subsequent computations.
func (r *Registry) UpdateMany(ctx context.Context, values map[Key]decimal.Decimal, description *string) (Snapshot, error) {
	if len(values) == 0 {
		return r.Snapshot(), fmt.Errorf("%w: no constants given", ErrInvalidRates)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	candidate := *r.current.Load()
	persisted := make(map[string]string, len(values))
	keys := make([]Key, 0, len(values))
	for key, value := range values {
		next, err := candidate.With(key, value)
		if err != nil {
			return r.Snapshot(), err
		}
		candidate = next
		persisted[string(key)] = value.String()
		keys = append(keys, key)
	}
	if err := candidate.Validate(); err != nil {
		return r.Snapshot(), err
	}

	if r.store == nil {
		return r.Snapshot(), fmt.Errorf("%w: no store configured", ErrRatesUnavailable)
	}
	if err := r.store.SaveRates(ctx, persisted, description); err != nil {
		return r.Snapshot(), fmt.Errorf("persist settlement constants: %w", err)
	}

	r.current.Store(&candidate)
	r.logger.Info("settlement constants updated", "keys", keys)

	if r.notifier != nil {
		if err := r.notifier.NotifyRatesChanged(ctx, keys); err != nil {
			r.logger.Warn("failed to broadcast settlement constant change", "error", err)
		}
	}

	return candidate, nil
}
