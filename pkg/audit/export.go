// Package audit exports a code's event chain as a self-contained bundle and
// verifies bundles offline.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/qrgov/pkg/artifacts"
	"github.com/Mindburn-Labs/qrgov/pkg/eventlog"
	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// FormatVersion is written into every bundle.
const FormatVersion = "1.0.0"

// supportedFormats is the range of bundle versions Verify accepts.
const supportedFormats = "^1"

var (
	ErrUnsupportedFormat = errors.New("unsupported bundle format")
	ErrHashMismatch      = errors.New("bundle content hash mismatch")
	ErrInconsistent      = errors.New("bundle is inconsistent")
)

// Bundle is the exported form of one code and its events.
type Bundle struct {
	FormatVersion string         `json:"format_version"`
	ExportedAt    time.Time      `json:"exported_at"`
	Code          qrcode.QrCode  `json:"code"`
	Events        []qrcode.Event `json:"events"`
	Summary       map[string]int `json:"summary"`
}

// Source loads a code with its events.
type Source interface {
	Get(ctx context.Context, code string) (qrcode.QrCode, error)
}

// Exporter writes bundles to an artifact store.
type Exporter struct {
	source Source
	store  artifacts.Store
	now    func() time.Time
	logger *slog.Logger
}

func NewExporter(source Source, store artifacts.Store) *Exporter {
	return &Exporter{
		source: source,
		store:  store,
		now:    time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// Export writes the bundle for code and returns its content hash.
func (x *Exporter) Export(ctx context.Context, code string) (string, error) {
	q, err := x.source.Get(ctx, code)
	if err != nil {
		return "", err
	}
	events := q.Events
	q.Events = nil

	summary := make(map[string]int)
	for typ, n := range eventlog.Summarize(events) {
		summary[string(typ)] = n
	}
	b := Bundle{
		FormatVersion: FormatVersion,
		ExportedAt:    x.now().UTC(),
		Code:          q,
		Events:        events,
		Summary:       summary,
	}
	data, err := Canonical(b)
	if err != nil {
		return "", err
	}
	hash, err := x.store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("store bundle: %w", err)
	}
	x.logger.InfoContext(ctx, "audit bundle exported", "code", code, "qr_id", q.ID, "events", len(events), "hash", hash)
	return hash, nil
}

// Canonical encodes b as RFC 8785 canonical JSON.
func Canonical(b Bundle) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize bundle: %w", err)
	}
	return out, nil
}

// Verify loads the bundle stored under hash and checks its format, its
// content hash, its hash chain and that the snapshot agrees with the events.
func Verify(ctx context.Context, store artifacts.Store, chain *eventlog.Chain, hash string) (Bundle, error) {
	data, err := store.Get(ctx, hash)
	if err != nil {
		return Bundle{}, err
	}
	if got := artifacts.ContentHash(data); got != hash {
		return Bundle{}, fmt.Errorf("%w: stored under %s, content is %s", ErrHashMismatch, hash, got)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	if err := checkFormat(b.FormatVersion); err != nil {
		return Bundle{}, err
	}
	if err := chain.Verify(b.Events); err != nil {
		return Bundle{}, err
	}
	if err := checkConsistent(b); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

func checkFormat(v string) error {
	c, err := semver.NewConstraint(supportedFormats)
	if err != nil {
		return err
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedFormat, v, err)
	}
	if !c.Check(ver) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedFormat, v, supportedFormats)
	}
	return nil
}

func checkConsistent(b Bundle) error {
	if len(b.Events) == 0 || b.Events[0].Type != qrcode.EventIssued {
		return fmt.Errorf("%w: chain does not start with %s", ErrInconsistent, qrcode.EventIssued)
	}
	if b.Events[0].QrCodeID != b.Code.ID {
		return fmt.Errorf("%w: events belong to %s, snapshot is %s", ErrInconsistent, b.Events[0].QrCodeID, b.Code.ID)
	}
	accepted := eventlog.Summarize(b.Events)[qrcode.EventScanAccepted]
	if accepted != b.Code.ReuseCount {
		return fmt.Errorf("%w: reuse_count %d but %d accepted scans", ErrInconsistent, b.Code.ReuseCount, accepted)
	}
	return nil
}
