package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterStore_Burst(t *testing.T) {
	s := NewMemoryLimiterStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()
	policy := Policy{RPM: 60, Burst: 2}

	for i := range 2 {
		ok, err := s.Allow(ctx, "1.2.3.4", policy, 1)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := s.Allow(ctx, "1.2.3.4", policy, 1)
	assert.False(t, ok)

	ok, _ = s.Allow(ctx, "5.6.7.8", policy, 1)
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Second)
	ok, _ = s.Allow(ctx, "1.2.3.4", policy, 1)
	assert.True(t, ok, "refilled after one second")
}

func TestMemoryLimiterStore_Sweep(t *testing.T) {
	s := NewMemoryLimiterStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, _ = s.Allow(context.Background(), "a", Policy{RPM: 60, Burst: 1}, 1)
	now = now.Add(time.Minute)
	_, _ = s.Allow(context.Background(), "b", Policy{RPM: 60, Burst: 1}, 1)
	assert.Equal(t, 2, s.Sweep())

	now = now.Add(150 * time.Second)
	assert.Equal(t, 1, s.Sweep())
}

func TestPolicyDefaults(t *testing.T) {
	assert.Equal(t, 1.0, Policy{}.ratePerSec())
	assert.Equal(t, 1, Policy{}.burst())
	assert.Equal(t, 2.0, Policy{RPM: 120}.ratePerSec())
}

// TestRedisLimiterStore_Integration requires a running Redis.
func TestRedisLimiterStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	s := NewRedisLimiterStore(client)
	s.prefix = "qrgov:test:ratelimit:" + t.Name() + ":"
	policy := Policy{RPM: 60, Burst: 1}
	key := time.Now().Format(time.RFC3339Nano)

	ok, err := s.Allow(ctx, key, policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Allow(ctx, key, policy, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(1100 * time.Millisecond)
	ok, err = s.Allow(ctx, key, policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
