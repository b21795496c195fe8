// Package store persists QR codes together with their event chains.
//
// Every write goes through Create or Commit, which store the record and its
// new events as one atomic step guarded by the record's version.
package store

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/qrgov/pkg/eventlog"
	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// Commit is one atomic mutation: the new record state and the events that
// describe it.
type Commit struct {
	Record qrcode.QrCode
	// ExpectedVersion must equal the stored version; zero for Create.
	ExpectedVersion int64
	Events          []qrcode.Event
}

// Committed is the stored outcome of a Commit.
type Committed struct {
	Record qrcode.QrCode
	// Events are the newly appended events with chain fields assigned.
	Events []qrcode.Event
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	ProductID string
	Status    qrcode.Status
	State     qrcode.LifecycleState
	Limit     int
}

func (f Filter) matches(q qrcode.QrCode) bool {
	if f.ProductID != "" && q.ProductID != f.ProductID {
		return false
	}
	if f.Status != "" && q.Status != f.Status {
		return false
	}
	if f.State != "" && q.LifecycleState != f.State {
		return false
	}
	return true
}

// Store is the persistence boundary of the lifecycle engine.
type Store interface {
	// Create inserts a new record at version 1. It fails with
	// qrcode.ErrCodeExists if the ID or code token is taken.
	Create(ctx context.Context, c Commit) (Committed, error)
	// Get loads a record without its events.
	Get(ctx context.Context, id string) (qrcode.QrCode, error)
	// GetByCode loads a record by its scannable token.
	GetByCode(ctx context.Context, code string) (qrcode.QrCode, error)
	// Commit replaces the mutable fields of a record and appends events,
	// provided the stored version still equals ExpectedVersion. A stale
	// version fails with qrcode.ErrConflict.
	Commit(ctx context.Context, c Commit) (Committed, error)
	// ListEvents returns a code's events, oldest first.
	ListEvents(ctx context.Context, id string) ([]qrcode.Event, error)
	// Tail returns the last sealed position of a code's chain; the zero
	// Tail when the code has no events.
	Tail(ctx context.Context, id string) (eventlog.Tail, error)
	// List returns records ordered by creation time.
	List(ctx context.Context, f Filter) ([]qrcode.QrCode, error)
}

func validateCommit(c Commit) error {
	if c.Record.ID == "" {
		return fmt.Errorf("%w: record has no id", qrcode.ErrInvariant)
	}
	for _, ev := range c.Events {
		if ev.QrCodeID != c.Record.ID {
			return fmt.Errorf("%w: event for %s committed with record %s", qrcode.ErrInvariant, ev.QrCodeID, c.Record.ID)
		}
	}
	if c.Record.ReusableMode == qrcode.ModeLimited && c.Record.ReuseLimit != nil && c.Record.ReuseCount > *c.Record.ReuseLimit {
		return fmt.Errorf("%w: reuse_count %d exceeds limit %d", qrcode.ErrInvariant, c.Record.ReuseCount, *c.Record.ReuseLimit)
	}
	return nil
}

// stripEvents returns q without its event slice; records are stored bare.
func stripEvents(q qrcode.QrCode) qrcode.QrCode {
	q = q.Clone()
	q.Events = nil
	return q
}
