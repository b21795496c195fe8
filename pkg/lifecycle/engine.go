// Package lifecycle is the QR code state machine. It decides whether an
// issuance, scan or administrative action is legal, mutates the code once,
// and appends the matching audit events in the same atomic commit.
//
// Every mutation of an existing code runs the same cycle: acquire the
// per-code lock, reload the record, evaluate, then commit record and events
// against the version that was loaded. Transient failures (busy lock,
// version conflict, storage hiccup) restart the cycle with bounded backoff.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/qrgov/pkg/eventlog"
	"github.com/Mindburn-Labs/qrgov/pkg/lock"
	"github.com/Mindburn-Labs/qrgov/pkg/observability"
	"github.com/Mindburn-Labs/qrgov/pkg/policy"
	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
	"github.com/Mindburn-Labs/qrgov/pkg/retry"
	"github.com/Mindburn-Labs/qrgov/pkg/store"
)

const (
	// RoleAdmin may issue, revoke and toggle codes.
	RoleAdmin = "admin"
	// RoleOperator may read codes, events and previews.
	RoleOperator = "operator"
)

// Actor is the identity on whose behalf a mutation runs. It is always
// passed explicitly; the engine has no ambient caller.
type Actor struct {
	ID   string
	Role string
}

// IsAdmin reports whether the actor may perform administrative actions.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// IssueRequest describes a new code.
type IssueRequest struct {
	ProductID       string
	ReusableMode    qrcode.ReusableMode
	ReuseLimit      *int
	Payload         json.RawMessage
	LifecyclePolicy json.RawMessage
	Actor           Actor
}

// Client describes where a scan came from. Its fields are recorded on the
// scan's event for analytics.
type Client struct {
	IP        string
	UserAgent string
	Referer   string
}

func (c Client) annotate(meta map[string]string) {
	if c.IP != "" {
		meta[qrcode.MetaClientIP] = c.IP
	}
	if c.UserAgent != "" {
		meta[qrcode.MetaUserAgent] = truncate(c.UserAgent, maxClientField)
	}
	if c.Referer != "" {
		meta[qrcode.MetaReferer] = truncate(c.Referer, maxClientField)
	}
}

// maxClientField bounds client-supplied header values stored in events.
const maxClientField = 512

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

// ScanResult is the outcome of RecordScan. A rejected scan is a result,
// not an error.
type ScanResult struct {
	Accepted bool          `json:"accepted"`
	Reason   qrcode.Reason `json:"reason,omitempty"`
	Code     qrcode.QrCode `json:"qr_code"`
	// Events are the events this scan appended.
	Events []qrcode.Event `json:"events"`
}

// Err maps a rejection onto its sentinel error, or nil if accepted.
func (r ScanResult) Err() error {
	if r.Accepted {
		return nil
	}
	return r.Reason.Err()
}

// Engine orchestrates issuance, scans and administrative transitions.
type Engine struct {
	store      store.Store
	locker     lock.Locker
	policy     *policy.Evaluator
	counter    reuseCounter
	revocation *RevocationHandler

	clock   *monotonicClock
	retry   retry.Policy
	newID   func() string
	newCode func() string

	logger    *slog.Logger
	telemetry *observability.Provider
	metrics   *observability.EngineMetrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = newMonotonicClock(now) }
}

// WithRetryPolicy sets the commit retry schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTelemetry attaches tracing and engine metrics.
func WithTelemetry(p *observability.Provider, m *observability.EngineMetrics) Option {
	return func(e *Engine) {
		e.telemetry = p
		e.metrics = m
	}
}

// WithCodeGenerator replaces the opaque code token generator.
func WithCodeGenerator(gen func() string) Option {
	return func(e *Engine) { e.newCode = gen }
}

// NewEngine wires an engine over its store, locker and policy evaluator.
func NewEngine(st store.Store, locker lock.Locker, evaluator *policy.Evaluator, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		locker:  locker,
		policy:  evaluator,
		clock:   newMonotonicClock(nil),
		retry:   retry.DefaultPolicy,
		newID:   uuid.NewString,
		newCode: newCodeToken,
		logger:  slog.Default().With("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.telemetry == nil {
		e.telemetry = observability.Disabled()
	}
	e.revocation = &RevocationHandler{engine: e}
	return e
}

// Revocation returns the administrative override path.
func (e *Engine) Revocation() *RevocationHandler {
	return e.revocation
}

// Issue creates a code in state ISSUED with status ACTIVE and records one
// ISSUED event.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (q qrcode.QrCode, err error) {
	ctx, done := e.telemetry.TrackOperation(ctx, "lifecycle.issue")
	defer func() { done(err) }()

	if !req.Actor.IsAdmin() {
		return qrcode.QrCode{}, fmt.Errorf("%w: issuing requires role %s", qrcode.ErrForbidden, RoleAdmin)
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return qrcode.QrCode{}, fmt.Errorf("%w: product_id is required", qrcode.ErrInvalidRequest)
	}
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) > 0 && !json.Valid(payload) {
		return qrcode.QrCode{}, fmt.Errorf("%w: payload is not valid JSON", qrcode.ErrInvalidRequest)
	}
	pol, err := e.policy.CheckIssue(req.ReusableMode, req.ReuseLimit, req.LifecyclePolicy)
	if err != nil {
		return qrcode.QrCode{}, err
	}

	now := e.clock.Now()
	rec := qrcode.QrCode{
		ProductID:       req.ProductID,
		ReusableMode:    req.ReusableMode,
		LifecyclePolicy: pol,
		Status:          qrcode.StatusActive,
		LifecycleState:  qrcode.StateIssued,
		CreatedBy:       req.Actor.ID,
		CreatedAt:       now,
	}
	if len(payload) > 0 {
		rec.Payload = append(json.RawMessage(nil), payload...)
	}
	meta := map[string]string{qrcode.MetaMode: string(req.ReusableMode)}
	if req.ReuseLimit != nil {
		limit := *req.ReuseLimit
		rec.ReuseLimit = &limit
		meta[qrcode.MetaReuseLimit] = strconv.Itoa(limit)
	}

	var committed store.Committed
	err = retry.Do(ctx, e.retry, retry.Params{Scope: "issue", Key: req.ProductID}, retryIssue,
		func(ctx context.Context, attempt int) error {
			if attempt > 0 {
				e.metrics.RetryObserved(ctx, "issue")
			}
			rec.ID = e.newID()
			rec.Code = e.newCode()
			ev := qrcode.Event{
				QrCodeID:   rec.ID,
				Type:       qrcode.EventIssued,
				OccurredAt: now,
				ActorID:    req.Actor.ID,
				Metadata:   meta,
			}
			start := time.Now()
			var cerr error
			committed, cerr = e.store.Create(ctx, store.Commit{Record: rec, Events: []qrcode.Event{ev}})
			e.metrics.CommitObserved(ctx, "issue", time.Since(start), cerr)
			return cerr
		})
	if err != nil {
		return qrcode.QrCode{}, e.exhausted("issue", req.ProductID, err)
	}

	out := committed.Record
	out.Events = committed.Events
	e.logger.InfoContext(ctx, "qr code issued",
		"qr_id", out.ID, "code", out.Code, "product_id", out.ProductID, "mode", out.ReusableMode, "actor", req.Actor.ID)
	return out, nil
}

// retryIssue also retries token collisions; each attempt draws a new token.
func retryIssue(err error) bool {
	return qrcode.IsTransient(err) || errors.Is(err, qrcode.ErrCodeExists)
}

// RecordScan judges and records one scan of code against the product's
// current lifecycle status. A code retired by exhausting its reuse bound
// still records rejections; any other terminal code fails with
// qrcode.ErrTerminal.
func (e *Engine) RecordScan(ctx context.Context, code, productStatus string) (ScanResult, error) {
	return e.RecordScanFrom(ctx, code, productStatus, Client{})
}

// RecordScanFrom is RecordScan with the scanning client recorded on the
// SCAN_ACCEPTED or SCAN_REJECTED event.
func (e *Engine) RecordScanFrom(ctx context.Context, code, productStatus string, client Client) (res ScanResult, err error) {
	ctx, done := e.telemetry.TrackOperation(ctx, "lifecycle.scan")
	defer func() { done(err) }()

	var decision policy.Decision
	out, err := e.mutate(ctx, "scan", code, func(cur qrcode.QrCode, now time.Time) (plan, error) {
		if cur.IsTerminal() && !policy.Exhausted(cur) {
			return plan{}, fmt.Errorf("%w: %s is %s", qrcode.ErrTerminal, code, cur.LifecycleState)
		}
		d, err := e.policy.Evaluate(cur, policy.Context{ProductStatus: productStatus})
		if err != nil {
			return plan{}, err
		}
		decision = d

		if !d.Admissible {
			meta := map[string]string{
				qrcode.MetaReason:     string(d.Reason),
				qrcode.MetaReuseCount: strconv.Itoa(cur.ReuseCount),
			}
			if productStatus != "" {
				meta[qrcode.MetaProductStatus] = productStatus
			}
			client.annotate(meta)
			return plan{record: cur, events: []qrcode.Event{{
				QrCodeID: cur.ID, Type: qrcode.EventScanRejected, OccurredAt: now, Metadata: meta,
			}}}, nil
		}

		next := cur.Clone()
		var events []qrcode.Event
		if next.LifecycleState == qrcode.StateIssued {
			if err := transition(&next, qrcode.StateActivated); err != nil {
				return plan{}, err
			}
			next.ActivatedAt = &now
			events = append(events, qrcode.Event{QrCodeID: cur.ID, Type: qrcode.EventActivated, OccurredAt: now})
		}
		if err := e.counter.increment(&next); err != nil {
			return plan{}, err
		}
		meta := map[string]string{qrcode.MetaReuseCount: strconv.Itoa(next.ReuseCount)}
		if productStatus != "" {
			meta[qrcode.MetaProductStatus] = productStatus
		}
		if d.RetireError != "" {
			meta[qrcode.MetaRetireError] = d.RetireError
		}
		client.annotate(meta)
		events = append(events, qrcode.Event{QrCodeID: cur.ID, Type: qrcode.EventScanAccepted, OccurredAt: now, Metadata: meta})

		if d.Retire {
			if err := transition(&next, qrcode.StateRetired); err != nil {
				return plan{}, err
			}
			next.RetiredAt = &now
			events = append(events, qrcode.Event{
				QrCodeID: cur.ID, Type: qrcode.EventRetired, OccurredAt: now,
				Metadata: map[string]string{qrcode.MetaReuseCount: strconv.Itoa(next.ReuseCount)},
			})
		}
		return plan{record: next, events: events}, nil
	})
	if err != nil {
		return ScanResult{}, err
	}

	res = ScanResult{
		Accepted: decision.Admissible,
		Reason:   decision.Reason,
		Code:     out.Record,
		Events:   out.Events,
	}
	e.metrics.ScanRecorded(ctx, res.Accepted, res.Reason)
	if res.Accepted {
		e.logger.DebugContext(ctx, "scan accepted", "qr_id", out.Record.ID, "reuse_count", out.Record.ReuseCount, "state", out.Record.LifecycleState)
	} else {
		e.logger.InfoContext(ctx, "scan rejected", "qr_id", out.Record.ID, "reason", res.Reason)
	}
	return res, nil
}

// Revoke delegates to the RevocationHandler.
func (e *Engine) Revoke(ctx context.Context, code string, actor Actor) (qrcode.QrCode, error) {
	return e.revocation.Revoke(ctx, code, actor)
}

// SetStatus toggles a non-terminal code between ACTIVE and INACTIVE.
// Setting the current status again is a no-op and writes no event.
func (e *Engine) SetStatus(ctx context.Context, code string, status qrcode.Status, actor Actor) (q qrcode.QrCode, err error) {
	ctx, done := e.telemetry.TrackOperation(ctx, "lifecycle.set_status")
	defer func() { done(err) }()

	if !actor.IsAdmin() {
		return qrcode.QrCode{}, fmt.Errorf("%w: changing status requires role %s", qrcode.ErrForbidden, RoleAdmin)
	}
	if status != qrcode.StatusActive && status != qrcode.StatusInactive {
		return qrcode.QrCode{}, fmt.Errorf("%w: status must be ACTIVE or INACTIVE, got %q", qrcode.ErrInvalidRequest, status)
	}

	out, err := e.mutate(ctx, "set_status", code, func(cur qrcode.QrCode, now time.Time) (plan, error) {
		if cur.IsTerminal() {
			return plan{}, fmt.Errorf("%w: %s is %s", qrcode.ErrTerminal, code, cur.LifecycleState)
		}
		if cur.Status == status {
			return plan{record: cur, noop: true}, nil
		}
		next := cur.Clone()
		next.Status = status
		return plan{record: next, events: []qrcode.Event{{
			QrCodeID: cur.ID, Type: qrcode.EventStatusChanged, OccurredAt: now, ActorID: actor.ID,
			Metadata: map[string]string{qrcode.MetaFrom: string(cur.Status), qrcode.MetaTo: string(status)},
		}}}, nil
	})
	if err != nil {
		return qrcode.QrCode{}, err
	}
	if len(out.Events) > 0 {
		e.logger.InfoContext(ctx, "qr code status changed", "qr_id", out.Record.ID, "status", status, "actor", actor.ID)
	}
	return out.Record, nil
}

// Preview evaluates a prospective scan without locking or writing.
func (e *Engine) Preview(ctx context.Context, code, productStatus string) (policy.Decision, error) {
	q, err := e.store.GetByCode(ctx, code)
	if err != nil {
		return policy.Decision{}, err
	}
	if q.IsTerminal() && !policy.Exhausted(q) {
		return policy.Decision{}, fmt.Errorf("%w: %s is %s", qrcode.ErrTerminal, code, q.LifecycleState)
	}
	return e.policy.Evaluate(q, policy.Context{ProductStatus: productStatus})
}

// Get loads a code by token, including its events.
func (e *Engine) Get(ctx context.Context, code string) (qrcode.QrCode, error) {
	q, err := e.store.GetByCode(ctx, code)
	if err != nil {
		return qrcode.QrCode{}, err
	}
	q.Events, err = e.store.ListEvents(ctx, q.ID)
	if err != nil {
		return qrcode.QrCode{}, err
	}
	return q, nil
}

// Lookup loads a code by token without its events.
func (e *Engine) Lookup(ctx context.Context, code string) (qrcode.QrCode, error) {
	return e.store.GetByCode(ctx, code)
}

// ListEvents returns a code's events, oldest first.
func (e *Engine) ListEvents(ctx context.Context, qrCodeID string) ([]qrcode.Event, error) {
	if _, err := e.store.Get(ctx, qrCodeID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, qrCodeID)
}

// List returns codes matching f.
func (e *Engine) List(ctx context.Context, f store.Filter) ([]qrcode.QrCode, error) {
	return e.store.List(ctx, f)
}

// plan is the outcome of a decide step: the record to commit and the
// events describing the change.
type plan struct {
	record qrcode.QrCode
	events []qrcode.Event
	noop   bool
}

// decideFunc plans a mutation of cur. now is the time to stamp its events.
type decideFunc func(cur qrcode.QrCode, now time.Time) (plan, error)

// mutate runs the lock, reload, decide, commit cycle for one code.
func (e *Engine) mutate(ctx context.Context, op, code string, decide decideFunc) (store.Committed, error) {
	ref, err := e.store.GetByCode(ctx, code)
	if err != nil {
		return store.Committed{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("qr_id", ref.ID))

	var out store.Committed
	err = retry.Do(ctx, e.retry, retry.Params{Scope: op, Key: ref.ID}, qrcode.IsTransient,
		func(ctx context.Context, attempt int) error {
			if attempt > 0 {
				e.metrics.RetryObserved(ctx, op)
				e.logger.DebugContext(ctx, "retrying commit", "op", op, "qr_id", ref.ID, "attempt", attempt)
			}
			start := time.Now()
			var cerr error
			out, cerr = e.commitOnce(ctx, ref.ID, decide)
			e.metrics.CommitObserved(ctx, op, time.Since(start), cerr)
			return cerr
		})
	if err != nil {
		return store.Committed{}, e.exhausted(op, code, err)
	}
	return out, nil
}

func (e *Engine) commitOnce(ctx context.Context, id string, decide decideFunc) (store.Committed, error) {
	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return store.Committed{}, err
	}
	defer release()

	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return store.Committed{}, err
	}
	tail, err := e.store.Tail(ctx, id)
	if err != nil {
		return store.Committed{}, err
	}
	p, err := decide(cur, e.stamp(cur, tail))
	if err != nil {
		return store.Committed{}, err
	}
	if p.noop {
		return store.Committed{Record: cur}, nil
	}
	return e.store.Commit(ctx, store.Commit{Record: p.record, ExpectedVersion: cur.Version, Events: p.events})
}

// exhausted logs and returns err. Transient errors that survive the retry
// loop still satisfy errors.Is(err, qrcode.ErrTransient).
func (e *Engine) exhausted(op, key string, err error) error {
	if qrcode.IsTransient(err) {
		e.logger.Warn("commit retries exhausted", "op", op, "key", key, "error", err)
		return fmt.Errorf("%s %s: retries exhausted: %w", op, key, err)
	}
	return err
}

// stamp returns the event time for a mutation of cur. It never precedes
// the record's own timestamps or the last stored event, so a writer whose
// clock lags another replica's still appends in order.
func (e *Engine) stamp(cur qrcode.QrCode, tail eventlog.Tail) time.Time {
	t := notBefore(e.clock.Now(), &cur.CreatedAt)
	t = notBefore(t, cur.ActivatedAt)
	t = notBefore(t, cur.RetiredAt)
	return notBefore(t, &tail.OccurredAt)
}

// transition moves q to the target state if the state machine permits it.
func transition(q *qrcode.QrCode, to qrcode.LifecycleState) error {
	if !qrcode.CanTransition(q.LifecycleState, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", qrcode.ErrInvariant, q.LifecycleState, to)
	}
	q.LifecycleState = to
	return nil
}

func newCodeToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
