package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
	"github.com/Mindburn-Labs/qrgov/pkg/retry"
	"github.com/Mindburn-Labs/qrgov/pkg/store"

	_ "modernc.org/sqlite"
)

// flakyStore fails the first n commits with a transient error.
type flakyStore struct {
	store.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) Commit(ctx context.Context, c store.Commit) (store.Committed, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return store.Committed{}, qrcode.Transient(fmt.Errorf("connection reset"))
	}
	return f.Store.Commit(ctx, c)
}

func TestRecordScan_RetriesTransientCommit(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemoryStore(testChain(t))}
	e := newTestEngine(t, flaky)
	q := issue(t, e, qrcode.ModeLimited, intPtr(2), "")

	flaky.failures.Store(3)
	res, err := e.RecordScan(context.Background(), q.Code, "")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, int32(4), flaky.calls.Load())

	got, err := e.Get(context.Background(), q.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReuseCount)
	assert.Equal(t, 1, countType(got.Events, qrcode.EventScanAccepted))
}

func TestRecordScan_RetriesExhausted(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemoryStore(testChain(t))}
	e := newTestEngine(t, flaky, WithRetryPolicy(retry.Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}))
	q := issue(t, e, qrcode.ModeUnlimited, nil, "")

	flaky.failures.Store(100)
	_, err := e.RecordScan(context.Background(), q.Code, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, qrcode.ErrTransient)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Equal(t, int32(3), flaky.calls.Load())

	flaky.failures.Store(0)
	got, err := e.Get(context.Background(), q.Code)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ReuseCount)
	assert.Len(t, got.Events, 1)
}

// staleStore hands out a stale version once, forcing a version conflict.
type staleStore struct {
	store.Store
	once sync.Once
}

func (s *staleStore) Get(ctx context.Context, id string) (qrcode.QrCode, error) {
	q, err := s.Store.Get(ctx, id)
	if err != nil {
		return q, err
	}
	s.once.Do(func() { q.Version-- })
	return q, nil
}

func TestRecordScan_VersionConflictIsRetried(t *testing.T) {
	st := &staleStore{Store: store.NewMemoryStore(testChain(t))}
	e := newTestEngine(t, st)
	q := issue(t, e, qrcode.ModeUnlimited, nil, "")

	res, err := e.RecordScan(context.Background(), q.Code, "")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, int64(2), res.Code.Version)
}

func TestEngine_SQLiteConcurrentLimited(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	chain := testChain(t)
	st := store.NewSQLStore(db, chain)
	require.NoError(t, st.Init(context.Background()))
	e := newTestEngine(t, st)
	q := issue(t, e, qrcode.ModeLimited, intPtr(5), "")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RecordScan(context.Background(), q.Code, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := e.Get(context.Background(), q.Code)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ReuseCount)
	assert.Equal(t, qrcode.StateRetired, got.LifecycleState)
	assert.Equal(t, 5, countType(got.Events, qrcode.EventScanAccepted))
	assert.Equal(t, 15, countType(got.Events, qrcode.EventScanRejected))
	assert.NoError(t, chain.Verify(got.Events))
}
