package lifecycle

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qrgov/pkg/eventlog"
	"github.com/Mindburn-Labs/qrgov/pkg/lock"
	"github.com/Mindburn-Labs/qrgov/pkg/policy"
	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
	"github.com/Mindburn-Labs/qrgov/pkg/retry"
	"github.com/Mindburn-Labs/qrgov/pkg/store"
)

var (
	admin    = Actor{ID: "admin-1", Role: RoleAdmin}
	operator = Actor{ID: "op-1", Role: RoleOperator}
)

func testChain(t testing.TB) *eventlog.Chain {
	t.Helper()
	chain, err := eventlog.NewChain([]byte("lifecycle-test-secret"))
	require.NoError(t, err)
	return chain
}

func newTestEngine(t testing.TB, st store.Store, opts ...Option) *Engine {
	t.Helper()
	evaluator, err := policy.NewEvaluator()
	require.NoError(t, err)
	if st == nil {
		st = store.NewMemoryStore(testChain(t))
	}
	opts = append([]Option{WithRetryPolicy(retry.Policy{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 50})}, opts...)
	return NewEngine(st, lock.NewKeyedMutex(10*time.Second), evaluator, opts...)
}

func intPtr(v int) *int { return &v }

func issue(t testing.TB, e *Engine, mode qrcode.ReusableMode, limit *int, pol string) qrcode.QrCode {
	t.Helper()
	req := IssueRequest{ProductID: "prod-1", ReusableMode: mode, ReuseLimit: limit, Actor: admin}
	if pol != "" {
		req.LifecyclePolicy = json.RawMessage(pol)
	}
	q, err := e.Issue(context.Background(), req)
	require.NoError(t, err)
	return q
}

func countType(events []qrcode.Event, typ qrcode.EventType) int {
	return eventlog.Summarize(events)[typ]
}

func TestIssue(t *testing.T) {
	e := newTestEngine(t, nil)
	q, err := e.Issue(context.Background(), IssueRequest{
		ProductID:    "prod-1",
		ReusableMode: qrcode.ModeLimited,
		ReuseLimit:   intPtr(3),
		Payload:      json.RawMessage(`{"batch":"B7"}`),
		Actor:        admin,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, q.ID)
	assert.Len(t, q.Code, 32)
	assert.Equal(t, qrcode.StatusActive, q.Status)
	assert.Equal(t, qrcode.StateIssued, q.LifecycleState)
	assert.Equal(t, 0, q.ReuseCount)
	assert.Equal(t, "admin-1", q.CreatedBy)
	require.Len(t, q.Events, 1)
	assert.Equal(t, qrcode.EventIssued, q.Events[0].Type)
	assert.Equal(t, "admin-1", q.Events[0].ActorID)
	assert.Equal(t, "3", q.Events[0].Metadata[qrcode.MetaReuseLimit])
}

func TestIssue_Rejections(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Issue(ctx, IssueRequest{ProductID: "p", ReusableMode: qrcode.ModeLimited, Actor: admin})
	assert.ErrorIs(t, err, qrcode.ErrInvalidLimit)

	_, err = e.Issue(ctx, IssueRequest{ProductID: "p", ReusableMode: qrcode.ModePhase, Actor: admin})
	assert.ErrorIs(t, err, qrcode.ErrInvalidPolicy)

	_, err = e.Issue(ctx, IssueRequest{ProductID: "p", ReusableMode: qrcode.ModePhase, LifecyclePolicy: json.RawMessage(`{"allowed":["sold"]}`), Actor: admin})
	assert.ErrorIs(t, err, qrcode.ErrInvalidPolicy)

	_, err = e.Issue(ctx, IssueRequest{ProductID: "p", ReusableMode: qrcode.ModeUnlimited, Actor: operator})
	assert.ErrorIs(t, err, qrcode.ErrForbidden)

	_, err = e.Issue(ctx, IssueRequest{ReusableMode: qrcode.ModeUnlimited, Actor: admin})
	assert.ErrorIs(t, err, qrcode.ErrInvalidRequest)

	_, err = e.Issue(ctx, IssueRequest{ProductID: "p", ReusableMode: qrcode.ModeUnlimited, Payload: json.RawMessage(`{oops`), Actor: admin})
	assert.ErrorIs(t, err, qrcode.ErrInvalidRequest)

	codes, err := e.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestIssue_RetriesTokenCollision(t *testing.T) {
	tokens := []string{"dup", "dup", "fresh"}
	var mu sync.Mutex
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		tok := tokens[0]
		tokens = tokens[1:]
		return tok
	}
	e := newTestEngine(t, nil, WithCodeGenerator(gen))

	first := issue(t, e, qrcode.ModeUnlimited, nil, "")
	assert.Equal(t, "dup", first.Code)
	second := issue(t, e, qrcode.ModeUnlimited, nil, "")
	assert.Equal(t, "fresh", second.Code)
}

// Scenario A: 1000 concurrent scans of an UNLIMITED code.
func TestScenarioA_ConcurrentUnlimited(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeUnlimited, nil, "")

	var wg sync.WaitGroup
	for range 1000 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.RecordScan(context.Background(), q.Code, "")
			if assert.NoError(t, err) {
				assert.True(t, res.Accepted)
			}
		}()
	}
	wg.Wait()

	got, err := e.Get(context.Background(), q.Code)
	require.NoError(t, err)
	assert.Equal(t, 1000, got.ReuseCount)
	assert.Equal(t, qrcode.StateActivated, got.LifecycleState)
	assert.Equal(t, 1000, countType(got.Events, qrcode.EventScanAccepted))
	assert.Equal(t, 1, countType(got.Events, qrcode.EventActivated))
	assert.NoError(t, testChain(t).Verify(got.Events))
}

// Scenario B: LIMITED with limit 3, five concurrent scans.
func TestScenarioB_LimitedThree(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeLimited, intPtr(3), "")
	ctx := context.Background()

	results := make([]ScanResult, 5)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.RecordScan(ctx, q.Code, "")
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	var accepted, rejected int
	for _, res := range results {
		if res.Accepted {
			accepted++
			continue
		}
		rejected++
		assert.Equal(t, qrcode.ReasonReuseLimitExceeded, res.Reason)
		assert.ErrorIs(t, res.Err(), qrcode.ErrReuseLimitExceeded)
	}
	assert.Equal(t, 3, accepted)
	assert.Equal(t, 2, rejected)

	got, err := e.Get(ctx, q.Code)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ReuseCount)
	assert.Equal(t, qrcode.StateRetired, got.LifecycleState)
	require.NotNil(t, got.RetiredAt)
	assert.Equal(t, 3, countType(got.Events, qrcode.EventScanAccepted))
	assert.Equal(t, 2, countType(got.Events, qrcode.EventScanRejected))
	assert.Equal(t, 1, countType(got.Events, qrcode.EventRetired))

	// The RETIRED event directly follows the third accepted scan.
	for i, ev := range got.Events {
		if ev.Type == qrcode.EventRetired {
			assert.Equal(t, qrcode.EventScanAccepted, got.Events[i-1].Type)
			assert.Equal(t, "3", got.Events[i-1].Metadata[qrcode.MetaReuseCount])
		}
	}
}

func TestLimited_ConcurrentNeverExceedsLimit(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeLimited, intPtr(25), "")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.RecordScan(context.Background(), q.Code, "")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Accepted {
				accepted++
			} else {
				rejected++
			}
		}()
	}
	wg.Wait()

	got, err := e.Get(context.Background(), q.Code)
	require.NoError(t, err)
	assert.Equal(t, 25, accepted)
	assert.Equal(t, 175, rejected)
	assert.Equal(t, 25, got.ReuseCount)
	assert.Equal(t, got.ReuseCount, countType(got.Events, qrcode.EventScanAccepted))
	assert.Equal(t, qrcode.StateRetired, got.LifecycleState)
}

func TestLimitedOne_ActivatesAndRetiresInOneCommit(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeLimited, intPtr(1), "")

	res, err := e.RecordScan(context.Background(), q.Code, "")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, qrcode.StateRetired, res.Code.LifecycleState)
	require.Len(t, res.Events, 3)
	assert.Equal(t, qrcode.EventActivated, res.Events[0].Type)
	assert.Equal(t, qrcode.EventScanAccepted, res.Events[1].Type)
	assert.Equal(t, qrcode.EventRetired, res.Events[2].Type)
	assert.Equal(t, int64(2), res.Code.Version)
}

// Scenario C: PHASE with allowed_statuses ["sold"].
func TestScenarioC_Phase(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModePhase, nil, `{"allowed_statuses":["sold"]}`)
	ctx := context.Background()

	res, err := e.RecordScan(ctx, q.Code, "pending")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, qrcode.ReasonProductLifecycleMismatch, res.Reason)
	assert.ErrorIs(t, res.Err(), qrcode.ErrProductLifecycleMismatch)
	assert.Equal(t, 0, res.Code.ReuseCount)
	assert.Equal(t, qrcode.StateIssued, res.Code.LifecycleState)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "PRODUCT_LIFECYCLE_MISMATCH", res.Events[0].Metadata[qrcode.MetaReason])
	assert.Equal(t, "pending", res.Events[0].Metadata[qrcode.MetaProductStatus])

	res, err = e.RecordScan(ctx, q.Code, "sold")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.NoError(t, res.Err())
	assert.Equal(t, 1, res.Code.ReuseCount)

	events, err := e.ListEvents(ctx, q.ID)
	require.NoError(t, err)
	types := make([]qrcode.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	assert.Equal(t, []qrcode.EventType{
		qrcode.EventIssued, qrcode.EventScanRejected, qrcode.EventActivated, qrcode.EventScanAccepted,
	}, types)
}

func TestPhase_MaxEventsRetires(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModePhase, nil, `{"allowed_statuses":["sold"],"max_events":2}`)
	ctx := context.Background()

	_, err := e.RecordScan(ctx, q.Code, "sold")
	require.NoError(t, err)
	res, err := e.RecordScan(ctx, q.Code, "sold")
	require.NoError(t, err)
	assert.Equal(t, qrcode.StateRetired, res.Code.LifecycleState)

	res, err = e.RecordScan(ctx, q.Code, "sold")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, qrcode.ReasonReuseLimitExceeded, res.Reason)
	assert.Equal(t, 2, res.Code.ReuseCount)
}

func TestPhase_RetireWhen(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModePhase, nil, `{"allowed_statuses":["sold","returned"],"retire_when":"status == 'returned'"}`)
	ctx := context.Background()

	res, err := e.RecordScan(ctx, q.Code, "sold")
	require.NoError(t, err)
	assert.Equal(t, qrcode.StateActivated, res.Code.LifecycleState)

	res, err = e.RecordScan(ctx, q.Code, "returned")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, qrcode.StateRetired, res.Code.LifecycleState)
	assert.Equal(t, 2, res.Code.ReuseCount)

	// Retired by expression, not by a reuse bound: terminal.
	_, err = e.RecordScan(ctx, q.Code, "sold")
	assert.ErrorIs(t, err, qrcode.ErrTerminal)
}

// Scenario D: revoke, then scan.
func TestScenarioD_RevokeThenScan(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeUnlimited, nil, "")
	ctx := context.Background()

	revoked, err := e.Revoke(ctx, q.Code, admin)
	require.NoError(t, err)
	assert.Equal(t, qrcode.StatusRevoked, revoked.Status)
	assert.Equal(t, qrcode.StateRevoked, revoked.LifecycleState)
	require.Len(t, revoked.Events, 2)
	assert.Equal(t, qrcode.EventRevoked, revoked.Events[1].Type)
	assert.Equal(t, "admin-1", revoked.Events[1].ActorID)

	_, err = e.RecordScan(ctx, q.Code, "")
	assert.ErrorIs(t, err, qrcode.ErrTerminal)

	events, err := e.ListEvents(ctx, q.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRevoke_Idempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeLimited, intPtr(2), "")
	ctx := context.Background()

	_, err := e.RecordScan(ctx, q.Code, "")
	require.NoError(t, err)
	_, err = e.Revoke(ctx, q.Code, admin)
	require.NoError(t, err)

	_, err = e.Revoke(ctx, q.Code, admin)
	assert.ErrorIs(t, err, qrcode.ErrAlreadyTerminal)

	events, err := e.ListEvents(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countType(events, qrcode.EventRevoked))
}

func TestRevoke_RetiredCodeIsAlreadyTerminal(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeLimited, intPtr(1), "")
	ctx := context.Background()

	_, err := e.RecordScan(ctx, q.Code, "")
	require.NoError(t, err)
	_, err = e.Revocation().Revoke(ctx, q.Code, admin)
	assert.ErrorIs(t, err, qrcode.ErrAlreadyTerminal)
}

func TestRevoke_RequiresAdmin(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeUnlimited, nil, "")

	_, err := e.Revoke(context.Background(), q.Code, operator)
	assert.ErrorIs(t, err, qrcode.ErrForbidden)

	_, err = e.Revoke(context.Background(), "unknown", admin)
	assert.ErrorIs(t, err, qrcode.ErrNotFound)
}

func TestRecordScan_UnknownCode(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.RecordScan(context.Background(), "nope", "")
	assert.ErrorIs(t, err, qrcode.ErrNotFound)
}

func TestSetStatus(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeUnlimited, nil, "")
	ctx := context.Background()

	out, err := e.SetStatus(ctx, q.Code, qrcode.StatusInactive, admin)
	require.NoError(t, err)
	assert.Equal(t, qrcode.StatusInactive, out.Status)

	// Same status again writes nothing.
	_, err = e.SetStatus(ctx, q.Code, qrcode.StatusInactive, admin)
	require.NoError(t, err)

	res, err := e.RecordScan(ctx, q.Code, "")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, qrcode.ReasonCodeInactive, res.Reason)
	assert.ErrorIs(t, res.Err(), qrcode.ErrInactive)

	_, err = e.SetStatus(ctx, q.Code, qrcode.StatusActive, admin)
	require.NoError(t, err)
	res, err = e.RecordScan(ctx, q.Code, "")
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	events, err := e.ListEvents(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, countType(events, qrcode.EventStatusChanged))
	assert.Equal(t, "ACTIVE", events[1].Metadata[qrcode.MetaFrom])
	assert.Equal(t, "INACTIVE", events[1].Metadata[qrcode.MetaTo])

	_, err = e.SetStatus(ctx, q.Code, qrcode.StatusRevoked, admin)
	assert.ErrorIs(t, err, qrcode.ErrInvalidRequest)
	_, err = e.SetStatus(ctx, q.Code, qrcode.StatusInactive, operator)
	assert.ErrorIs(t, err, qrcode.ErrForbidden)

	_, err = e.Revoke(ctx, q.Code, admin)
	require.NoError(t, err)
	_, err = e.SetStatus(ctx, q.Code, qrcode.StatusInactive, admin)
	assert.ErrorIs(t, err, qrcode.ErrTerminal)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeLimited, intPtr(1), "")
	ctx := context.Background()

	d, err := e.Preview(ctx, q.Code, "")
	require.NoError(t, err)
	assert.True(t, d.Admissible)
	assert.True(t, d.Retire)

	got, err := e.Get(ctx, q.Code)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ReuseCount)
	assert.Len(t, got.Events, 1)
	assert.Equal(t, int64(1), got.Version)
}

func TestListEvents_NonDecreasingWithBackwardsClock(t *testing.T) {
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	ticks := []time.Duration{0, 5 * time.Second, 2 * time.Second, 7 * time.Second, time.Second}
	var mu sync.Mutex
	i := 0
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		d := ticks[i%len(ticks)]
		i++
		return base.Add(d)
	}
	e := newTestEngine(t, nil, WithClock(now))
	q := issue(t, e, qrcode.ModeUnlimited, nil, "")
	ctx := context.Background()
	for range 4 {
		_, err := e.RecordScan(ctx, q.Code, "")
		require.NoError(t, err)
	}

	events, err := e.ListEvents(ctx, q.ID)
	require.NoError(t, err)
	for j := 1; j < len(events); j++ {
		assert.False(t, events[j].OccurredAt.Before(events[j-1].OccurredAt), "event %d went backwards", j)
		assert.Equal(t, events[j-1].Sequence+1, events[j].Sequence)
	}
}

func TestListEvents_UnknownID(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.ListEvents(context.Background(), "missing")
	assert.ErrorIs(t, err, qrcode.ErrNotFound)
}

func TestRecordScan_CancelledContextLeavesNoPartialMutation(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeLimited, intPtr(2), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.RecordScan(ctx, q.Code, "")
	assert.ErrorIs(t, err, context.Canceled)

	got, err := e.Get(context.Background(), q.Code)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ReuseCount)
	assert.Len(t, got.Events, 1)
}

func TestRecordScan_LaggingReplicaClockAppendsInOrder(t *testing.T) {
	st := store.NewMemoryStore(testChain(t))
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	ahead := base
	fast := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ahead = ahead.Add(time.Hour)
		return ahead
	}
	slow := func() time.Time { return base }

	a := newTestEngine(t, st, WithClock(fast))
	b := newTestEngine(t, st, WithClock(slow))
	ctx := context.Background()

	q := issue(t, b, qrcode.ModeUnlimited, nil, "")
	for range 2 {
		_, err := a.RecordScan(ctx, q.Code, "")
		require.NoError(t, err)
	}
	res, err := b.RecordScan(ctx, q.Code, "")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 3, res.Code.ReuseCount)

	events, err := st.ListEvents(ctx, q.ID)
	require.NoError(t, err)
	for j := 1; j < len(events); j++ {
		assert.False(t, events[j].OccurredAt.Before(events[j-1].OccurredAt), "event %d went backwards", j)
	}
	last := events[len(events)-1]
	assert.Equal(t, qrcode.EventScanAccepted, last.Type)
	assert.Equal(t, events[len(events)-2].OccurredAt, last.OccurredAt)
}

func TestPhase_RetireWhenRuntimeErrorKeepsCodeRedeemable(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModePhase, nil, `{"allowed_statuses":["sold"],"retire_when":"reuse_count / max_events >= 1"}`)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res, err := e.RecordScan(ctx, q.Code, "sold")
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.Equal(t, qrcode.StateActivated, res.Code.LifecycleState)
		assert.Equal(t, i, res.Code.ReuseCount)

		accepted := res.Events[len(res.Events)-1]
		assert.Equal(t, qrcode.EventScanAccepted, accepted.Type)
		assert.Contains(t, accepted.Metadata[qrcode.MetaRetireError], "division by zero")
	}
}

func TestRecordScanFrom_RecordsClient(t *testing.T) {
	e := newTestEngine(t, nil)
	q := issue(t, e, qrcode.ModeLimited, intPtr(1), "")
	ctx := context.Background()
	client := Client{IP: "203.0.113.9", UserAgent: "scanner/2.1", Referer: "https://shop.example/p/1"}

	res, err := e.RecordScanFrom(ctx, q.Code, "", client)
	require.NoError(t, err)
	accepted := res.Events[1]
	assert.Equal(t, qrcode.EventScanAccepted, accepted.Type)
	assert.Equal(t, "203.0.113.9", accepted.Metadata[qrcode.MetaClientIP])
	assert.Equal(t, "scanner/2.1", accepted.Metadata[qrcode.MetaUserAgent])
	assert.Equal(t, "https://shop.example/p/1", accepted.Metadata[qrcode.MetaReferer])

	long := Client{IP: "203.0.113.9", UserAgent: strings.Repeat("x", 2*maxClientField)}
	res, err = e.RecordScanFrom(ctx, q.Code, "", long)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	rejected := res.Events[0]
	assert.Equal(t, qrcode.EventScanRejected, rejected.Type)
	assert.Len(t, rejected.Metadata[qrcode.MetaUserAgent], maxClientField)
	assert.NotContains(t, rejected.Metadata, qrcode.MetaReferer)
}

func TestNewEngine_NilTelemetryFallsBack(t *testing.T) {
	e := newTestEngine(t, nil, WithTelemetry(nil, nil))
	require.NotNil(t, e.telemetry)
	q := issue(t, e, qrcode.ModeUnlimited, nil, "")
	_, err := e.RecordScan(context.Background(), q.Code, "")
	assert.NoError(t, err)
}
