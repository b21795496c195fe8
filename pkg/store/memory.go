package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Mindburn-Labs/qrgov/pkg/eventlog"
	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// MemoryStore keeps records in maps and events in an eventlog.Memory.
// A commit is validated in full before anything is written.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]qrcode.QrCode
	byCode  map[string]string
	order   []string
	log     *eventlog.Memory
}

// NewMemoryStore creates an empty store whose events are sealed with chain.
func NewMemoryStore(chain *eventlog.Chain) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]qrcode.QrCode),
		byCode:  make(map[string]string),
		log:     eventlog.NewMemory(chain),
	}
}

// Log exposes the underlying event log for read access.
func (s *MemoryStore) Log() eventlog.Log {
	return s.log
}

func (s *MemoryStore) Create(ctx context.Context, c Commit) (Committed, error) {
	if err := ctx.Err(); err != nil {
		return Committed{}, err
	}
	if err := validateCommit(c); err != nil {
		return Committed{}, err
	}
	rec := stripEvents(c.Record)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return Committed{}, fmt.Errorf("%w: id %s", qrcode.ErrCodeExists, rec.ID)
	}
	if _, ok := s.byCode[rec.Code]; ok {
		return Committed{}, fmt.Errorf("%w: code %s", qrcode.ErrCodeExists, rec.Code)
	}

	s.log.Lock()
	defer s.log.Unlock()
	sealed, err := s.log.PrepareLocked(c.Events)
	if err != nil {
		return Committed{}, err
	}
	rec.Version = 1
	s.records[rec.ID] = rec
	s.byCode[rec.Code] = rec.ID
	s.order = append(s.order, rec.ID)
	s.log.CommitLocked(rec.ID, sealed)
	return Committed{Record: rec.Clone(), Events: cloneEvents(sealed)}, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (qrcode.QrCode, error) {
	if err := ctx.Err(); err != nil {
		return qrcode.QrCode{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return qrcode.QrCode{}, fmt.Errorf("%w: id %s", qrcode.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByCode(ctx context.Context, code string) (qrcode.QrCode, error) {
	if err := ctx.Err(); err != nil {
		return qrcode.QrCode{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return qrcode.QrCode{}, fmt.Errorf("%w: code %s", qrcode.ErrNotFound, code)
	}
	return s.records[id].Clone(), nil
}

func (s *MemoryStore) Commit(ctx context.Context, c Commit) (Committed, error) {
	if err := ctx.Err(); err != nil {
		return Committed{}, err
	}
	if err := validateCommit(c); err != nil {
		return Committed{}, err
	}
	rec := stripEvents(c.Record)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok {
		return Committed{}, fmt.Errorf("%w: id %s", qrcode.ErrNotFound, rec.ID)
	}
	if cur.Version != c.ExpectedVersion {
		return Committed{}, fmt.Errorf("%w: %s at version %d, expected %d", qrcode.ErrConflict, rec.ID, cur.Version, c.ExpectedVersion)
	}

	s.log.Lock()
	defer s.log.Unlock()
	sealed, err := s.log.PrepareLocked(c.Events)
	if err != nil {
		return Committed{}, err
	}
	// Identity and issuance fields never change after Create.
	next := cur.Clone()
	next.ReuseCount = rec.ReuseCount
	next.Status = rec.Status
	next.LifecycleState = rec.LifecycleState
	next.ActivatedAt = rec.ActivatedAt
	next.RetiredAt = rec.RetiredAt
	next.Version = cur.Version + 1
	s.records[rec.ID] = next
	s.log.CommitLocked(rec.ID, sealed)
	return Committed{Record: next.Clone(), Events: cloneEvents(sealed)}, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, id string) ([]qrcode.Event, error) {
	return s.log.List(ctx, id)
}

func (s *MemoryStore) Tail(ctx context.Context, id string) (eventlog.Tail, error) {
	return s.log.Tail(ctx, id)
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]qrcode.QrCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]qrcode.QrCode, 0)
	for _, id := range s.order {
		rec := s.records[id]
		if !f.matches(rec) {
			continue
		}
		out = append(out, rec.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return slices.Clip(out), nil
}

func cloneEvents(events []qrcode.Event) []qrcode.Event {
	out := make([]qrcode.Event, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}
