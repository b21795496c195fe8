package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
	"github.com/Mindburn-Labs/qrgov/pkg/retry"
)

// releaseScript deletes the lock only if it still carries our token.
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every engine instance pointed at the
// same Redis. Locks expire after TTL so a crashed holder cannot wedge a key;
// stores still guard commits with version checks.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	policy retry.Policy
	logger *slog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the lock expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithRetryPolicy sets the acquisition polling schedule.
func WithRetryPolicy(p retry.Policy) RedisOption {
	return func(l *RedisLocker) { l.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(l *RedisLocker) { l.logger = logger }
}

// NewRedisLocker creates a distributed locker on client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: "qrgov:lock:",
		ttl:    10 * time.Second,
		policy: retry.Policy{
			Base:        10 * time.Millisecond,
			Max:         500 * time.Millisecond,
			MaxJitter:   10 * time.Millisecond,
			MaxAttempts: 20,
		},
		logger: slog.Default().With("component", "lock"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for attempt := 0; attempt < max(l.policy.MaxAttempts, 1); attempt++ {
		if attempt > 0 {
			d := retry.Backoff(retry.Params{Scope: "lock", Key: key, Attempt: attempt}, l.policy)
			if err := retry.Sleep(ctx, d); err != nil {
				return nil, err
			}
		}
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, qrcode.Transient(fmt.Errorf("redis lock %s: %w", key, err))
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}
	}
	return nil, fmt.Errorf("%w: lock %s held elsewhere", qrcode.ErrBusy, key)
}

func (l *RedisLocker) releaser(redisKey, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release must run even when the caller's context is already done.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn("lock release failed", "key", redisKey, "error", err)
		}
	}
}
