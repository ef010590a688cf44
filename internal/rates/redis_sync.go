package rates

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type rateChange struct {
	Origin    string    `json:"origin"`
	Keys      []Key     `json:"keys"`
	ChangedAt time.Time `json:"changed_at"`
}

// RedisBroadcaster fans constant changes out to every instance through redis
// pub/sub so peers reload from the store.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
	origin  string
	logger  *slog.Logger
}

// NewRedisBroadcaster creates a broadcaster publishing on <prefix>:rates:changed.
func NewRedisBroadcaster(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBroadcaster {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "settlement"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{
		client:  client,
		channel: trimmed + ":rates:changed",
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Channel returns the pub/sub channel name.
func (b *RedisBroadcaster) Channel() string {
	return b.channel
}

// NotifyRatesChanged publishes the changed keys.
func (b *RedisBroadcaster) NotifyRatesChanged(ctx context.Context, keys []Key) error {
	if b == nil || b.client == nil {
		return nil
	}
	payload, err := json.Marshal(rateChange{Origin: b.origin, Keys: keys, ChangedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Watch reloads the registry whenever a peer announces a change. It blocks
// until ctx is cancelled.
func (b *RedisBroadcaster) Watch(ctx context.Context, registry *Registry) {
	if b == nil || b.client == nil {
		return
	}

	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.handle(ctx, registry, msg.Payload)
		}
	}
}

func (b *RedisBroadcaster) handle(ctx context.Context, registry *Registry, payload string) bool {
	var change rateChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		b.logger.Warn("ignoring malformed rate change message", "error", err)
		return false
	}
	if change.Origin == b.origin {
		return false
	}
	if err := registry.Load(ctx); err != nil {
		b.logger.Error("failed to reload settlement constants after peer change", "error", err)
		return false
	}
	b.logger.Info("settlement constants reloaded after peer change", "keys", change.Keys)
	return true
}
