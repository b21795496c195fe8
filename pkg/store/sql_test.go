package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, testChain(t)), mock
}

func TestSQLStore_Init(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS qr_codes")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS qr_codes_product_idx")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS qr_lifecycle_events")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS qr_lifecycle_events_type_time_idx")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	rec := newRecord("p1", qrcode.ModeUnlimited)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO qr_codes")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	_, err := s.Create(context.Background(), Commit{Record: rec, Events: []qrcode.Event{issuedEvent(rec)}})
	assert.ErrorIs(t, err, qrcode.ErrCodeExists)
	assert.False(t, qrcode.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CommitSealsAgainstStoredTail(t *testing.T) {
	s, mock := newMockStore(t)
	rec := newRecord("p1", qrcode.ModeUnlimited)
	rec.ReuseCount = 1
	rec.LifecycleState = qrcode.StateActivated
	at := rec.CreatedAt.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE qr_codes")).
		WithArgs(1, "ACTIVE", "ACTIVATED", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(5), rec.ID, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, hash, occurred_at FROM qr_lifecycle_events")).
		WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "hash", "occurred_at"}).
			AddRow(int64(7), "hmac-sha256:prev", rec.CreatedAt.UnixNano()))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO qr_lifecycle_events")).
		WithArgs(sqlmock.AnyArg(), rec.ID, int64(8), "SCAN_ACCEPTED", at.UnixNano(), "", `{"reuse_count":"1"}`, "hmac-sha256:prev", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := s.Commit(context.Background(), Commit{
		Record:          rec,
		ExpectedVersion: 4,
		Events: []qrcode.Event{{
			QrCodeID: rec.ID, Type: qrcode.EventScanAccepted, OccurredAt: at,
			Metadata: map[string]string{qrcode.MetaReuseCount: "1"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Record.Version)
	require.Len(t, out.Events, 1)
	assert.Equal(t, int64(8), out.Events[0].Sequence)
	assert.Equal(t, "hmac-sha256:prev", out.Events[0].PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CommitVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	rec := newRecord("p1", qrcode.ModeUnlimited)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE qr_codes")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM qr_codes WHERE id = $1")).
		WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectRollback()

	_, err := s.Commit(context.Background(), Commit{Record: rec, ExpectedVersion: 2})
	assert.ErrorIs(t, err, qrcode.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DriverErrorsAreTransient(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

	rec := newRecord("p1", qrcode.ModeUnlimited)
	_, err := s.Commit(context.Background(), Commit{Record: rec, ExpectedVersion: 1})
	assert.True(t, qrcode.IsTransient(err))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + recordColumns + " FROM qr_codes WHERE code = $1")).
		WithArgs("abc").
		WillReturnError(errors.New("connection reset"))
	_, err = s.GetByCode(context.Background(), "abc")
	assert.True(t, qrcode.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	rec := newRecord("p1", qrcode.ModeUnlimited)

	cols := []string{"id", "product_id", "code", "payload", "reusable_mode", "reuse_limit", "reuse_count", "lifecycle_policy",
		"status", "lifecycle_state", "activated_at", "retired_at", "created_by", "created_at", "version"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+recordColumns+" FROM qr_codes WHERE product_id = $1 AND status = $2 ORDER BY created_at, id LIMIT $3")).
		WithArgs("p1", "ACTIVE", 10).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			rec.ID, "p1", rec.Code, nil, "UNLIMITED", nil, 4, nil,
			"ACTIVE", "ACTIVATED", rec.CreatedAt.UnixNano(), nil, "admin-1", rec.CreatedAt.UnixNano(), int64(5),
		))

	got, err := s.List(context.Background(), Filter{ProductID: "p1", Status: qrcode.StatusActive, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].ReuseCount)
	assert.Nil(t, got[0].ReuseLimit)
	assert.Nil(t, got[0].RetiredAt)
	require.NotNil(t, got[0].ActivatedAt)
	assert.True(t, rec.CreatedAt.Equal(*got[0].ActivatedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}
