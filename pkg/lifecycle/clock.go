package lifecycle

import (
	"sync"
	"time"
)

// monotonicClock never returns a time before one it already returned, so
// events stamped by one engine are non-decreasing even if the wall clock
// steps backwards.
type monotonicClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newMonotonicClock(now func() time.Time) *monotonicClock {
	if now == nil {
		now = time.Now
	}
	return &monotonicClock{now: now}
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().Round(0).UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// notBefore returns t, or floor if t precedes it.
func notBefore(t time.Time, floor *time.Time) time.Time {
	if floor != nil && t.Before(*floor) {
		return *floor
	}
	return t
}
