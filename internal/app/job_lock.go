package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseJobLockScript deletes the lock only while it still holds our token.
var releaseJobLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisJobLock is a JobLocker backed by SET NX PX.
type RedisJobLock struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func NewRedisJobLock(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisJobLock {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "settlement"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisJobLock{client: client, prefix: trimmedPrefix, logger: logger}
}

func (l *RedisJobLock) key(name string) string {
	return fmt.Sprintf("%s:job_lock:%s", l.prefix, name)
}

// TryLock takes the named lock for ttl. Without a client every call succeeds.
func (l *RedisJobLock) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.client == nil {
		return func() {}, true, nil
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	key := l.key(name)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire job lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseJobLockScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release job lock", "job", name, "error", err)
		}
	}
	return release, true, nil
}
