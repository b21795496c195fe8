package qrcode

import (
	"maps"
	"time"
)

// EventType names one lifecycle event.
type EventType string

const (
	EventIssued        EventType = "ISSUED"
	EventActivated     EventType = "ACTIVATED"
	EventScanAccepted  EventType = "SCAN_ACCEPTED"
	EventScanRejected  EventType = "SCAN_REJECTED"
	EventRetired       EventType = "RETIRED"
	EventRevoked       EventType = "REVOKED"
	EventStatusChanged EventType = "STATUS_CHANGED"
)

// Metadata keys written by the engine.
const (
	MetaReason        = "reason"
	MetaReuseCount    = "reuse_count"
	MetaProductStatus = "product_status"
	MetaMode          = "reusable_mode"
	MetaReuseLimit    = "reuse_limit"
	MetaFrom          = "from"
	MetaTo            = "to"
	MetaRetireError   = "retire_error"
	MetaClientIP      = "ip"
	MetaUserAgent     = "user_agent"
	MetaReferer       = "referer"
)

// Event is an immutable audit record of one accepted transition or
// rejected attempt.
type Event struct {
	ID         string            `json:"id"`
	QrCodeID   string            `json:"qr_code_id"`
	Type       EventType         `json:"event_type"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id,omitempty"` // empty for system-generated events
	Metadata   map[string]string `json:"metadata,omitempty"`

	// Chain fields are assigned by the event log on append.
	Sequence int64  `json:"sequence"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Clone returns a copy with its own metadata map.
func (e Event) Clone() Event {
	c := e
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return c
}

// Reason explains why a scan was rejected.
type Reason string

const (
	ReasonReuseLimitExceeded       Reason = "REUSE_LIMIT_EXCEEDED"
	ReasonProductLifecycleMismatch Reason = "PRODUCT_LIFECYCLE_MISMATCH"
	ReasonCodeInactive             Reason = "CODE_INACTIVE"
)

// Err maps a rejection reason onto its sentinel error.
func (r Reason) Err() error {
	switch r {
	case ReasonReuseLimitExceeded:
		return ErrReuseLimitExceeded
	case ReasonProductLifecycleMismatch:
		return ErrProductLifecycleMismatch
	case ReasonCodeInactive:
		return ErrInactive
	case "":
		return nil
	}
	return ErrRejected
}
