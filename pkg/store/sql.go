package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Mindburn-Labs/qrgov/pkg/eventlog"
	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
// Timestamps are stored as Unix nanoseconds so both dialects round-trip them
// exactly.
type SQLStore struct {
	db     *sql.DB
	chain  *eventlog.Chain
	logger *slog.Logger
}

// NewSQLStore creates a store on db whose events are sealed with chain.
func NewSQLStore(db *sql.DB, chain *eventlog.Chain) *SQLStore {
	return &SQLStore{
		db:     db,
		chain:  chain,
		logger: slog.Default().With("component", "store"),
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS qr_codes (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	code TEXT NOT NULL UNIQUE,
	payload TEXT,
	reusable_mode TEXT NOT NULL,
	reuse_limit INTEGER,
	reuse_count INTEGER NOT NULL DEFAULT 0,
	lifecycle_policy TEXT,
	status TEXT NOT NULL,
	lifecycle_state TEXT NOT NULL,
	activated_at BIGINT,
	retired_at BIGINT,
	created_by TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	version BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS qr_codes_product_idx ON qr_codes (product_id)`,
	`CREATE TABLE IF NOT EXISTS qr_lifecycle_events (
	id TEXT PRIMARY KEY,
	qr_code_id TEXT NOT NULL REFERENCES qr_codes (id),
	sequence BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	occurred_at BIGINT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	UNIQUE (qr_code_id, sequence)
)`,
	`CREATE INDEX IF NOT EXISTS qr_lifecycle_events_type_time_idx ON qr_lifecycle_events (event_type, occurred_at)`,
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, product_id, code, payload, reusable_mode, reuse_limit, reuse_count, lifecycle_policy, status, lifecycle_state, activated_at, retired_at, created_by, created_at, version`

const eventColumns = `id, qr_code_id, sequence, event_type, occurred_at, actor_id, metadata, prev_hash, hash`

func (s *SQLStore) Create(ctx context.Context, c Commit) (Committed, error) {
	if err := validateCommit(c); err != nil {
		return Committed{}, err
	}
	rec := stripEvents(c.Record)
	rec.Version = 1

	var policy sql.NullString
	if rec.LifecyclePolicy != nil {
		raw, err := json.Marshal(rec.LifecyclePolicy)
		if err != nil {
			return Committed{}, fmt.Errorf("store: encode policy: %w", err)
		}
		policy = sql.NullString{String: string(raw), Valid: true}
	}
	var payload sql.NullString
	if len(rec.Payload) > 0 {
		payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}
	var limit sql.NullInt64
	if rec.ReuseLimit != nil {
		limit = sql.NullInt64{Int64: int64(*rec.ReuseLimit), Valid: true}
	}

	var sealed []qrcode.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO qr_codes (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			rec.ID, rec.ProductID, rec.Code, payload, string(rec.ReusableMode), limit, rec.ReuseCount, policy,
			string(rec.Status), string(rec.LifecycleState), nanos(rec.ActivatedAt), nanos(rec.RetiredAt),
			rec.CreatedBy, rec.CreatedAt.UnixNano(), rec.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", qrcode.ErrCodeExists, rec.Code)
			}
			return qrcode.Transient(fmt.Errorf("store: insert qr code: %w", err))
		}
		sealed, err = s.appendEvents(ctx, tx, rec.ID, c.Events)
		return err
	})
	if err != nil {
		return Committed{}, err
	}
	return Committed{Record: rec, Events: sealed}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (qrcode.QrCode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM qr_codes WHERE id = $1`, id)
	return scanRecord(row, id)
}

func (s *SQLStore) GetByCode(ctx context.Context, code string) (qrcode.QrCode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM qr_codes WHERE code = $1`, code)
	return scanRecord(row, code)
}

func (s *SQLStore) Commit(ctx context.Context, c Commit) (Committed, error) {
	if err := validateCommit(c); err != nil {
		return Committed{}, err
	}
	rec := stripEvents(c.Record)

	var sealed []qrcode.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE qr_codes
		SET reuse_count = $1, status = $2, lifecycle_state = $3, activated_at = $4, retired_at = $5, version = $6
		WHERE id = $7 AND version = $8`,
			rec.ReuseCount, string(rec.Status), string(rec.LifecycleState), nanos(rec.ActivatedAt), nanos(rec.RetiredAt),
			c.ExpectedVersion+1, rec.ID, c.ExpectedVersion,
		)
		if err != nil {
			return qrcode.Transient(fmt.Errorf("store: update qr code: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return qrcode.Transient(fmt.Errorf("store: rows affected: %w", err))
		}
		if n == 0 {
			var v int64
			err := tx.QueryRowContext(ctx, `SELECT version FROM qr_codes WHERE id = $1`, rec.ID).Scan(&v)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: id %s", qrcode.ErrNotFound, rec.ID)
			}
			if err != nil {
				return qrcode.Transient(fmt.Errorf("store: read version: %w", err))
			}
			return fmt.Errorf("%w: %s at version %d, expected %d", qrcode.ErrConflict, rec.ID, v, c.ExpectedVersion)
		}
		sealed, err = s.appendEvents(ctx, tx, rec.ID, c.Events)
		return err
	})
	if err != nil {
		return Committed{}, err
	}
	rec.Version = c.ExpectedVersion + 1
	return Committed{Record: rec, Events: sealed}, nil
}

func (s *SQLStore) ListEvents(ctx context.Context, id string) ([]qrcode.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM qr_lifecycle_events WHERE qr_code_id = $1 ORDER BY sequence`, id)
	if err != nil {
		return nil, qrcode.Transient(fmt.Errorf("store: list events: %w", err))
	}
	defer func() { _ = rows.Close() }()

	events := make([]qrcode.Event, 0)
	for rows.Next() {
		var (
			ev       qrcode.Event
			typ      string
			at       int64
			metaJSON string
		)
		if err := rows.Scan(&ev.ID, &ev.QrCodeID, &ev.Sequence, &typ, &at, &ev.ActorID, &metaJSON, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, qrcode.Transient(fmt.Errorf("store: scan event: %w", err))
		}
		ev.Type = qrcode.EventType(typ)
		ev.OccurredAt = time.Unix(0, at).UTC()
		if ev.Metadata, err = decodeMetadata(metaJSON); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, qrcode.Transient(err)
	}
	return events, nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("store: decode event metadata: %w", err)
	}
	return meta, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]qrcode.QrCode, error) {
	var (
		where []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.ProductID != "" {
		add("product_id", f.ProductID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.State != "" {
		add("lifecycle_state", string(f.State))
	}

	query := `SELECT ` + recordColumns + ` FROM qr_codes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qrcode.Transient(fmt.Errorf("store: list qr codes: %w", err))
	}
	defer func() { _ = rows.Close() }()

	result := make([]qrcode.QrCode, 0)
	for rows.Next() {
		q, err := scanRecord(rows, "")
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	if err := rows.Err(); err != nil {
		return nil, qrcode.Transient(err)
	}
	return result, nil
}

// appendEvents seals events against the stored tail and inserts them.
func (s *SQLStore) appendEvents(ctx context.Context, tx *sql.Tx, id string, events []qrcode.Event) ([]qrcode.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tail, err := readTail(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	sealed, _, err := s.chain.SealAll(tail, withIDs(events))
	if err != nil {
		return nil, err
	}
	for _, ev := range sealed {
		meta := "{}"
		if len(ev.Metadata) > 0 {
			raw, err := json.Marshal(ev.Metadata)
			if err != nil {
				return nil, fmt.Errorf("store: encode event metadata: %w", err)
			}
			meta = string(raw)
		}
		_, err := tx.ExecContext(ctx, `
		INSERT INTO qr_lifecycle_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.ID, ev.QrCodeID, ev.Sequence, string(ev.Type), ev.OccurredAt.UnixNano(), ev.ActorID, meta, ev.PrevHash, ev.Hash,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: event sequence %d for %s", qrcode.ErrConflict, ev.Sequence, id)
			}
			return nil, qrcode.Transient(fmt.Errorf("store: insert event: %w", err))
		}
	}
	return sealed, nil
}

func (s *SQLStore) Tail(ctx context.Context, id string) (eventlog.Tail, error) {
	return readTail(ctx, s.db, id)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readTail(ctx context.Context, q rowQuerier, id string) (eventlog.Tail, error) {
	var (
		tail eventlog.Tail
		at   int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT sequence, hash, occurred_at FROM qr_lifecycle_events
		WHERE qr_code_id = $1 ORDER BY sequence DESC LIMIT 1`, id).Scan(&tail.Sequence, &tail.Hash, &at)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return eventlog.Tail{}, nil
	case err != nil:
		return eventlog.Tail{}, qrcode.Transient(fmt.Errorf("store: read chain tail: %w", err))
	}
	tail.OccurredAt = time.Unix(0, at).UTC()
	return tail, nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return qrcode.Transient(fmt.Errorf("store: begin: %w", err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return qrcode.Transient(fmt.Errorf("store: commit: %w", err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, key string) (qrcode.QrCode, error) {
	var (
		q           qrcode.QrCode
		payload     sql.NullString
		mode        string
		limit       sql.NullInt64
		policy      sql.NullString
		status      string
		state       string
		activatedAt sql.NullInt64
		retiredAt   sql.NullInt64
		createdAt   int64
	)
	err := row.Scan(&q.ID, &q.ProductID, &q.Code, &payload, &mode, &limit, &q.ReuseCount, &policy,
		&status, &state, &activatedAt, &retiredAt, &q.CreatedBy, &createdAt, &q.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return qrcode.QrCode{}, fmt.Errorf("%w: %s", qrcode.ErrNotFound, key)
		}
		return qrcode.QrCode{}, qrcode.Transient(fmt.Errorf("store: scan qr code: %w", err))
	}
	q.ReusableMode = qrcode.ReusableMode(mode)
	q.Status = qrcode.Status(status)
	q.LifecycleState = qrcode.LifecycleState(state)
	q.CreatedAt = time.Unix(0, createdAt).UTC()
	q.ActivatedAt = fromNanos(activatedAt)
	q.RetiredAt = fromNanos(retiredAt)
	if payload.Valid {
		q.Payload = json.RawMessage(payload.String)
	}
	if limit.Valid {
		v := int(limit.Int64)
		q.ReuseLimit = &v
	}
	if policy.Valid {
		var p qrcode.LifecyclePolicy
		if err := json.Unmarshal([]byte(policy.String), &p); err != nil {
			return qrcode.QrCode{}, fmt.Errorf("store: decode policy of %s: %w", q.ID, err)
		}
		q.LifecyclePolicy = &p
	}
	return q, nil
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

var newEventID = uuid.NewString

func withIDs(events []qrcode.Event) []qrcode.Event {
	out := make([]qrcode.Event, len(events))
	for i, ev := range events {
		ev = ev.Clone()
		if ev.ID == "" {
			ev.ID = newEventID()
		}
		out[i] = ev
	}
	return out
}
