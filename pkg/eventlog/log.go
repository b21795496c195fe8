package eventlog

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// Log is the append-only event record. Events are never updated or deleted.
type Log interface {
	// Append seals and stores one event, returning it with chain fields set.
	Append(ctx context.Context, ev qrcode.Event) (qrcode.Event, error)
	// List returns a snapshot of a code's events, oldest first.
	List(ctx context.Context, qrCodeID string) ([]qrcode.Event, error)
}

// Memory is an in-process Log.
type Memory struct {
	mu     sync.RWMutex
	chain  *Chain
	events map[string][]qrcode.Event
}

// NewMemory creates an empty in-memory log sealed with chain.
func NewMemory(chain *Chain) *Memory {
	return &Memory{
		chain:  chain,
		events: make(map[string][]qrcode.Event),
	}
}

// Chain returns the chain this log seals with.
func (m *Memory) Chain() *Chain {
	return m.chain
}

func (m *Memory) Append(ctx context.Context, ev qrcode.Event) (qrcode.Event, error) {
	sealed, err := m.AppendBatch(ctx, []qrcode.Event{ev})
	if err != nil {
		return qrcode.Event{}, err
	}
	return sealed[0], nil
}

// AppendBatch appends events for a single code as one unit: either every
// event is stored or none is.
func (m *Memory) AppendBatch(ctx context.Context, events []qrcode.Event) ([]qrcode.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	id := events[0].QrCodeID
	for _, ev := range events[1:] {
		if ev.QrCodeID != id {
			return nil, errors.New("eventlog: batch spans more than one qr code")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sealed, err := m.PrepareLocked(events)
	if err != nil {
		return nil, err
	}
	m.CommitLocked(id, sealed)
	return cloneEvents(sealed), nil
}

// PrepareLocked seals events against the current tail without storing them.
// The caller must hold Lock.
func (m *Memory) PrepareLocked(events []qrcode.Event) ([]qrcode.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	prepared := make([]qrcode.Event, len(events))
	for i, ev := range events {
		ev = ev.Clone()
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		prepared[i] = ev
	}
	sealed, _, err := m.chain.SealAll(TailOf(m.events[events[0].QrCodeID]), prepared)
	return sealed, err
}

// CommitLocked stores events sealed by PrepareLocked. The caller must hold Lock.
func (m *Memory) CommitLocked(qrCodeID string, sealed []qrcode.Event) {
	m.events[qrCodeID] = append(m.events[qrCodeID], sealed...)
}

// Lock and Unlock let a store sharing this log make record and event
// writes one atomic step.
func (m *Memory) Lock()   { m.mu.Lock() }
func (m *Memory) Unlock() { m.mu.Unlock() }

func (m *Memory) List(ctx context.Context, qrCodeID string) ([]qrcode.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneEvents(m.events[qrCodeID]), nil
}

// Tail returns the current chain position of qrCodeID.
func (m *Memory) Tail(ctx context.Context, qrCodeID string) (Tail, error) {
	if err := ctx.Err(); err != nil {
		return Tail{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return TailOf(m.events[qrCodeID]), nil
}

// Summary counts events per type.
type Summary map[qrcode.EventType]int

// Summarize tallies events by type.
func Summarize(events []qrcode.Event) Summary {
	s := make(Summary)
	for _, ev := range events {
		s[ev.Type]++
	}
	return s
}

func cloneEvents(events []qrcode.Event) []qrcode.Event {
	out := make([]qrcode.Event, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}
