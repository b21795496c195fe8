// Package eventlog implements the append-only, tamper-evident record of
// lifecycle events kept for every QR code.
//
// Each event is sealed into a per-code hash chain: events carry a 1-based
// Sequence, the previous event's hash, and an HMAC-SHA256 over the RFC 8785
// canonical JSON of the event body.
package eventlog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// GenesisHash is the PrevHash of the first event of every code.
const GenesisHash = "genesis"

const (
	hashPrefix = "hmac-sha256:"
	kdfSalt    = "qrgov-eventlog"
	kdfInfo    = "qrgov/eventlog/v1"
)

// Chain seals and verifies events with a key derived from the audit secret.
type Chain struct {
	key []byte
}

// NewChain derives the chain key from secret using HKDF-SHA256.
func NewChain(secret []byte) (*Chain, error) {
	if len(secret) == 0 {
		return nil, errors.New("eventlog: audit secret must not be empty")
	}
	r := hkdf.New(sha256.New, secret, []byte(kdfSalt), []byte(kdfInfo))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("eventlog: key derivation failed: %w", err)
	}
	return &Chain{key: key}, nil
}

// Tail is the last sealed position of one code's chain.
type Tail struct {
	Sequence   int64
	Hash       string
	OccurredAt time.Time
}

// TailOf returns the tail of an ordered event slice. The zero Tail is the
// position before the first event.
func TailOf(events []qrcode.Event) Tail {
	if len(events) == 0 {
		return Tail{}
	}
	last := events[len(events)-1]
	return Tail{Sequence: last.Sequence, Hash: last.Hash, OccurredAt: last.OccurredAt}
}

// Seal assigns the chain fields of ev so it directly follows tail.
func (c *Chain) Seal(tail Tail, ev qrcode.Event) (qrcode.Event, error) {
	if ev.QrCodeID == "" {
		return qrcode.Event{}, errors.New("eventlog: event has no qr_code_id")
	}
	ev.OccurredAt = ev.OccurredAt.Round(0).UTC()
	if tail.Sequence > 0 && ev.OccurredAt.Before(tail.OccurredAt) {
		return qrcode.Event{}, fmt.Errorf("%w: %s at %s precedes tail at %s",
			qrcode.ErrOutOfOrder, ev.Type, ev.OccurredAt.Format(time.RFC3339Nano), tail.OccurredAt.Format(time.RFC3339Nano))
	}
	ev.Sequence = tail.Sequence + 1
	ev.PrevHash = tail.Hash
	if tail.Sequence == 0 {
		ev.PrevHash = GenesisHash
	}
	h, err := c.hash(ev)
	if err != nil {
		return qrcode.Event{}, err
	}
	ev.Hash = h
	return ev, nil
}

// SealAll seals events in order after tail and returns the new tail.
func (c *Chain) SealAll(tail Tail, events []qrcode.Event) ([]qrcode.Event, Tail, error) {
	out := make([]qrcode.Event, 0, len(events))
	for _, ev := range events {
		sealed, err := c.Seal(tail, ev)
		if err != nil {
			return nil, tail, err
		}
		out = append(out, sealed)
		tail = Tail{Sequence: sealed.Sequence, Hash: sealed.Hash, OccurredAt: sealed.OccurredAt}
	}
	return out, tail, nil
}

// Verify checks that events form one unbroken chain for a single code.
func (c *Chain) Verify(events []qrcode.Event) error {
	prev := GenesisHash
	var prevAt time.Time
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			return fmt.Errorf("%w: event %d has sequence %d", qrcode.ErrChainBroken, i, ev.Sequence)
		}
		if i > 0 && ev.QrCodeID != events[0].QrCodeID {
			return fmt.Errorf("%w: event %d belongs to %s", qrcode.ErrChainBroken, i, ev.QrCodeID)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("%w: event %d has prev_hash %s but expected %s",
				qrcode.ErrChainBroken, i, ev.PrevHash, prev)
		}
		if i > 0 && ev.OccurredAt.Before(prevAt) {
			return fmt.Errorf("%w: event %d occurs before its predecessor", qrcode.ErrChainBroken, i)
		}
		computed, err := c.hash(ev)
		if err != nil {
			return fmt.Errorf("%w: event %d: %w", qrcode.ErrChainBroken, i, err)
		}
		if !hmac.Equal([]byte(computed), []byte(ev.Hash)) {
			return fmt.Errorf("%w: event %d hash mismatch", qrcode.ErrChainBroken, i)
		}
		prev = ev.Hash
		prevAt = ev.OccurredAt
	}
	return nil
}

func (c *Chain) hash(ev qrcode.Event) (string, error) {
	meta := ev.Metadata
	if len(meta) == 0 {
		meta = nil
	}
	hashable := struct {
		ID         string            `json:"id"`
		QrCodeID   string            `json:"qr_code_id"`
		Type       qrcode.EventType  `json:"event_type"`
		OccurredAt int64             `json:"occurred_at"`
		ActorID    string            `json:"actor_id"`
		Metadata   map[string]string `json:"metadata"`
		Sequence   int64             `json:"sequence"`
		PrevHash   string            `json:"prev_hash"`
	}{
		ID:         ev.ID,
		QrCodeID:   ev.QrCodeID,
		Type:       ev.Type,
		OccurredAt: ev.OccurredAt.UnixNano(),
		ActorID:    ev.ActorID,
		Metadata:   meta,
		Sequence:   ev.Sequence,
		PrevHash:   ev.PrevHash,
	}
	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("eventlog: marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("eventlog: canonicalize event: %w", err)
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write(canonical)
	return hashPrefix + hex.EncodeToString(mac.Sum(nil)), nil
}
