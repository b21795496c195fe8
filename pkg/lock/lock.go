// Package lock serializes mutations per entity. No lock ever spans more
// than one key.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// Locker grants exclusive access to one key at a time.
type Locker interface {
	// Acquire blocks until the key is held, the wait bound is exceeded
	// (qrcode.ErrBusy) or ctx is done. release must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// DefaultTimeout bounds how long Acquire waits for a contended key.
const DefaultTimeout = 5 * time.Second

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process registry of per-key mutexes. Entries are
// reference counted and dropped once no goroutine holds or waits on them.
// Waiters are granted the key in arrival order.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
	timeout time.Duration
}

// NewKeyedMutex creates a registry whose waits are bounded by timeout.
func NewKeyedMutex(timeout time.Duration) *KeyedMutex {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &KeyedMutex{
		entries: make(map[string]*keyEntry),
		timeout: timeout,
	}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				m.unref(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	case <-timer.C:
		m.unref(key, e)
		return nil, fmt.Errorf("%w: lock %s not acquired within %s", qrcode.ErrBusy, key, m.timeout)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *KeyedMutex) unref(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}
