// Package qrcode defines the governed QR code entity, its lifecycle events,
// and the error taxonomy shared by the lifecycle engine and its stores.
package qrcode

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ReusableMode is the policy class governing how often a code may be redeemed.
type ReusableMode string

const (
	ModeUnlimited ReusableMode = "UNLIMITED"
	ModeLimited   ReusableMode = "LIMITED"
	ModePhase     ReusableMode = "PHASE"
)

// ParseReusableMode accepts the mode name in any case.
func ParseReusableMode(s string) (ReusableMode, error) {
	m := ReusableMode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown reusable mode %q", ErrInvalidMode, s)
	}
	return m, nil
}

// Valid reports whether m is one of the known modes.
func (m ReusableMode) Valid() bool {
	switch m {
	case ModeUnlimited, ModeLimited, ModePhase:
		return true
	}
	return false
}

// Status is the coarse operational flag of a code.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusRevoked  Status = "REVOKED"
)

// LifecycleState is the position of a code in its state machine.
type LifecycleState string

const (
	StateIssued    LifecycleState = "ISSUED"
	StateActivated LifecycleState = "ACTIVATED"
	StateRetired   LifecycleState = "RETIRED"
	StateRevoked   LifecycleState = "REVOKED"
)

// Terminal reports whether no further transition may leave s.
func (s LifecycleState) Terminal() bool {
	return s == StateRetired || s == StateRevoked
}

// rank orders the forward path ISSUED -> ACTIVATED -> RETIRED.
// REVOKED sits outside the path and is reachable from any non-terminal state.
func (s LifecycleState) rank() int {
	switch s {
	case StateIssued:
		return 0
	case StateActivated:
		return 1
	case StateRetired:
		return 2
	}
	return -1
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to LifecycleState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateRevoked {
		return true
	}
	return to.rank() == from.rank()+1
}

// QrCode is the governed entity.
type QrCode struct {
	ID              string           `json:"id"`
	ProductID       string           `json:"product_id"`
	Code            string           `json:"code"`
	Payload         json.RawMessage  `json:"payload,omitempty"`
	ReusableMode    ReusableMode     `json:"reusable_mode"`
	ReuseLimit      *int             `json:"reuse_limit,omitempty"`
	ReuseCount      int              `json:"reuse_count"`
	LifecyclePolicy *LifecyclePolicy `json:"lifecycle_policy,omitempty"`
	Status          Status           `json:"status"`
	LifecycleState  LifecycleState   `json:"lifecycle_state"`
	ActivatedAt     *time.Time       `json:"activated_at,omitempty"`
	RetiredAt       *time.Time       `json:"retired_at,omitempty"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`

	// Version increments on every committed mutation and backs optimistic
	// concurrency in the stores.
	Version int64 `json:"version"`

	Events []Event `json:"events,omitempty"`
}

// IsTerminal reports whether the code accepts no further mutation.
func (q QrCode) IsTerminal() bool {
	return q.Status == StatusRevoked || q.LifecycleState.Terminal()
}

// RenderVariant names the image variant a rendering collaborator should serve.
func (q QrCode) RenderVariant() string {
	switch {
	case q.Status == StatusRevoked || q.LifecycleState == StateRevoked:
		return "revoked"
	case q.LifecycleState == StateRetired:
		return "retired"
	case q.Status == StatusInactive:
		return "inactive"
	}
	return "active"
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (q QrCode) Clone() QrCode {
	c := q
	if q.Payload != nil {
		c.Payload = append(json.RawMessage(nil), q.Payload...)
	}
	if q.ReuseLimit != nil {
		v := *q.ReuseLimit
		c.ReuseLimit = &v
	}
	if q.ActivatedAt != nil {
		t := *q.ActivatedAt
		c.ActivatedAt = &t
	}
	if q.RetiredAt != nil {
		t := *q.RetiredAt
		c.RetiredAt = &t
	}
	if q.LifecyclePolicy != nil {
		c.LifecyclePolicy = q.LifecyclePolicy.Clone()
	}
	if q.Events != nil {
		c.Events = make([]Event, len(q.Events))
		for i, ev := range q.Events {
			c.Events[i] = ev.Clone()
		}
	}
	return c
}
