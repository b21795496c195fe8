package store

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

const (
	// DefaultTopProducts is the number of products an overview ranks when
	// the caller does not say.
	DefaultTopProducts = 5
	// DefaultRecentScans is the page size of RecentScans.
	DefaultRecentScans = 100
	maxRecentScans     = 1000
)

// Window bounds an analytics query by event time. From is inclusive and To
// exclusive. A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// bounds returns the window as a half-open range of Unix nanoseconds.
func (w Window) bounds() (int64, int64) {
	from, to := int64(math.MinInt64), int64(math.MaxInt64)
	if !w.From.IsZero() {
		from = w.From.UnixNano()
	}
	if !w.To.IsZero() {
		to = w.To.UnixNano()
	}
	return from, to
}

// ScanEntry is one recorded scan, accepted or rejected.
type ScanEntry struct {
	QrCodeID   string        `json:"qr_code_id"`
	Code       string        `json:"code"`
	ProductID  string        `json:"product_id"`
	Sequence   int64         `json:"sequence"`
	Accepted   bool          `json:"accepted"`
	Reason     qrcode.Reason `json:"reason,omitempty"`
	ReuseCount int           `json:"reuse_count"`
	OccurredAt time.Time     `json:"occurred_at"`
	IP         string        `json:"ip,omitempty"`
	UserAgent  string        `json:"user_agent,omitempty"`
	Referer    string        `json:"referer,omitempty"`
}

// ProductScans counts scans of one product's codes.
type ProductScans struct {
	ProductID string `json:"product_id"`
	Scans     int    `json:"scans"`
}

// Overview aggregates the scans inside a Window.
type Overview struct {
	From          time.Time      `json:"from,omitzero"`
	To            time.Time      `json:"to,omitzero"`
	TotalScans    int            `json:"total_scans"`
	AcceptedScans int            `json:"accepted_scans"`
	RejectedScans int            `json:"rejected_scans"`
	UniqueIPs     int            `json:"unique_ips"`
	TopProducts   []ProductScans `json:"top_products"`
}

// Analytics answers read-only questions about recorded scans. Both stores
// implement it.
type Analytics interface {
	// ScanOverview totals the scans in w and ranks the top products.
	// top <= 0 means DefaultTopProducts.
	ScanOverview(ctx context.Context, w Window, top int) (Overview, error)
	// RecentScans returns the newest scans first. limit <= 0 means
	// DefaultRecentScans.
	RecentScans(ctx context.Context, limit int) ([]ScanEntry, error)
	// ScanTimeline returns one code's scans, oldest first. An unknown id
	// fails with qrcode.ErrNotFound.
	ScanTimeline(ctx context.Context, id string) ([]ScanEntry, error)
}

var (
	_ Analytics = (*MemoryStore)(nil)
	_ Analytics = (*SQLStore)(nil)
)

func isScan(t qrcode.EventType) bool {
	return t == qrcode.EventScanAccepted || t == qrcode.EventScanRejected
}

func scanEntryOf(rec qrcode.QrCode, ev qrcode.Event) ScanEntry {
	e := ScanEntry{
		QrCodeID:   rec.ID,
		Code:       rec.Code,
		ProductID:  rec.ProductID,
		Sequence:   ev.Sequence,
		Accepted:   ev.Type == qrcode.EventScanAccepted,
		Reason:     qrcode.Reason(ev.Metadata[qrcode.MetaReason]),
		OccurredAt: ev.OccurredAt,
		IP:         ev.Metadata[qrcode.MetaClientIP],
		UserAgent:  ev.Metadata[qrcode.MetaUserAgent],
		Referer:    ev.Metadata[qrcode.MetaReferer],
	}
	if n, err := strconv.Atoi(ev.Metadata[qrcode.MetaReuseCount]); err == nil {
		e.ReuseCount = n
	}
	return e
}

func clampLimit(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, ceiling)
}

// newestFirst orders scans by time, then by chain position, newest first.
func newestFirst(a, b ScanEntry) int {
	if c := b.OccurredAt.Compare(a.OccurredAt); c != 0 {
		return c
	}
	if c := cmp.Compare(b.QrCodeID, a.QrCodeID); c != 0 {
		return c
	}
	return cmp.Compare(b.Sequence, a.Sequence)
}

func overviewOf(w Window, entries []ScanEntry, top int) Overview {
	if top <= 0 {
		top = DefaultTopProducts
	}
	o := Overview{From: w.From, To: w.To, TopProducts: make([]ProductScans, 0, top)}
	ips := make(map[string]struct{})
	perProduct := make(map[string]int)
	for _, e := range entries {
		o.TotalScans++
		if e.Accepted {
			o.AcceptedScans++
		} else {
			o.RejectedScans++
		}
		if e.IP != "" {
			ips[e.IP] = struct{}{}
		}
		perProduct[e.ProductID]++
	}
	o.UniqueIPs = len(ips)
	for id, n := range perProduct {
		o.TopProducts = append(o.TopProducts, ProductScans{ProductID: id, Scans: n})
	}
	slices.SortFunc(o.TopProducts, func(a, b ProductScans) int {
		if c := cmp.Compare(b.Scans, a.Scans); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	if len(o.TopProducts) > top {
		o.TopProducts = o.TopProducts[:top]
	}
	return o
}

// scanEntries collects the scans of every record that pass keep.
func (s *MemoryStore) scanEntries(ctx context.Context, keep func(qrcode.Event) bool) ([]ScanEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScanEntry, 0)
	for _, id := range s.order {
		events, err := s.log.List(ctx, id)
		if err != nil {
			return nil, err
		}
		rec := s.records[id]
		for _, ev := range events {
			if isScan(ev.Type) && keep(ev) {
				out = append(out, scanEntryOf(rec, ev))
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ScanOverview(ctx context.Context, w Window, top int) (Overview, error) {
	entries, err := s.scanEntries(ctx, func(ev qrcode.Event) bool { return w.contains(ev.OccurredAt) })
	if err != nil {
		return Overview{}, err
	}
	return overviewOf(w, entries, top), nil
}

func (s *MemoryStore) RecentScans(ctx context.Context, limit int) ([]ScanEntry, error) {
	limit = clampLimit(limit, DefaultRecentScans, maxRecentScans)
	entries, err := s.scanEntries(ctx, func(qrcode.Event) bool { return true })
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, newestFirst)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return slices.Clip(entries), nil
}

func (s *MemoryStore) ScanTimeline(ctx context.Context, id string) ([]ScanEntry, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.log.List(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]ScanEntry, 0)
	for _, ev := range events {
		if isScan(ev.Type) {
			out = append(out, scanEntryOf(rec, ev))
		}
	}
	return out, nil
}

const scanSelect = `
	SELECT c.id, c.code, c.product_id, e.sequence, e.event_type, e.occurred_at, e.metadata
	FROM qr_lifecycle_events e JOIN qr_codes c ON c.id = e.qr_code_id
	WHERE e.event_type IN ($1, $2)`

func scanArgs(extra ...any) []any {
	return append([]any{string(qrcode.EventScanAccepted), string(qrcode.EventScanRejected)}, extra...)
}

func (s *SQLStore) queryScans(ctx context.Context, query string, args []any) ([]ScanEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qrcode.Transient(fmt.Errorf("store: query scans: %w", err))
	}
	defer func() { _ = rows.Close() }()

	out := make([]ScanEntry, 0)
	for rows.Next() {
		var (
			rec      qrcode.QrCode
			ev       qrcode.Event
			typ      string
			at       int64
			metaJSON string
		)
		if err := rows.Scan(&rec.ID, &rec.Code, &rec.ProductID, &ev.Sequence, &typ, &at, &metaJSON); err != nil {
			return nil, qrcode.Transient(fmt.Errorf("store: scan analytics row: %w", err))
		}
		ev.Type = qrcode.EventType(typ)
		ev.OccurredAt = time.Unix(0, at).UTC()
		if ev.Metadata, err = decodeMetadata(metaJSON); err != nil {
			return nil, err
		}
		out = append(out, scanEntryOf(rec, ev))
	}
	if err := rows.Err(); err != nil {
		return nil, qrcode.Transient(err)
	}
	return out, nil
}

func (s *SQLStore) ScanOverview(ctx context.Context, w Window, top int) (Overview, error) {
	from, to := w.bounds()
	entries, err := s.queryScans(ctx, scanSelect+` AND e.occurred_at >= $3 AND e.occurred_at < $4`, scanArgs(from, to))
	if err != nil {
		return Overview{}, err
	}
	return overviewOf(w, entries, top), nil
}

func (s *SQLStore) RecentScans(ctx context.Context, limit int) ([]ScanEntry, error) {
	limit = clampLimit(limit, DefaultRecentScans, maxRecentScans)
	return s.queryScans(ctx, scanSelect+` ORDER BY e.occurred_at DESC, e.qr_code_id DESC, e.sequence DESC LIMIT $3`, scanArgs(limit))
}

func (s *SQLStore) ScanTimeline(ctx context.Context, id string) ([]ScanEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.queryScans(ctx, scanSelect+` AND e.qr_code_id = $3 ORDER BY e.sequence`, scanArgs(id))
}
