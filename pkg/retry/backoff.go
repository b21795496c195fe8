// Package retry computes bounded exponential backoff with deterministic
// jitter and runs operations under it.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxJitter   time.Duration `yaml:"max_jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultPolicy suits commit retries on a contended entity.
var DefaultPolicy = Policy{
	Base:        5 * time.Millisecond,
	Max:         250 * time.Millisecond,
	MaxJitter:   10 * time.Millisecond,
	MaxAttempts: 8,
}

// Params identify one attempt. Jitter is derived from them, so two callers
// retrying the same key on the same attempt wait the same time.
type Params struct {
	Scope   string
	Key     string
	Attempt int
}

// Backoff returns the delay before the given attempt.
func Backoff(params Params, policy Policy) time.Duration {
	factor := int64(1)
	if params.Attempt > 0 {
		if params.Attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.Attempt
		}
	}

	delay := policy.Base * time.Duration(factor)
	if policy.Max > 0 && (delay > policy.Max || delay < 0) {
		delay = policy.Max
	}
	return delay + Jitter(params, policy)
}

// Jitter returns a deterministic offset in [0, MaxJitter).
func Jitter(params Params, policy Policy) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.Scope, params.Key, params.Attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. The last error is returned on exhaustion.
func Do(ctx context.Context, policy Policy, params Params, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p := params
			p.Attempt = attempt
			if werr := Sleep(ctx, Backoff(p, policy)); werr != nil {
				return werr
			}
		}
		err = fn(ctx, attempt)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
