package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// EngineMetrics holds lifecycle engine instruments. A nil *EngineMetrics
// records nothing.
type EngineMetrics struct {
	scans          metric.Int64Counter
	commits        metric.Int64Counter
	commitDuration metric.Float64Histogram
	retries        metric.Int64Counter
}

// NewEngineMetrics registers the engine instruments on meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error

	m.scans, err = meter.Int64Counter("qrgov.scans.total",
		metric.WithDescription("Scans recorded, by outcome and rejection reason"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	m.commits, err = meter.Int64Counter("qrgov.commits.total",
		metric.WithDescription("Store commits, by operation and result"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}

	m.commitDuration, err = meter.Float64Histogram("qrgov.commit.duration",
		metric.WithDescription("Duration of lock, evaluate and commit cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	)
	if err != nil {
		return nil, err
	}

	m.retries, err = meter.Int64Counter("qrgov.commit.retries.total",
		metric.WithDescription("Commit attempts repeated after a transient failure"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ScanRecorded counts one scan outcome.
func (m *EngineMetrics) ScanRecorded(ctx context.Context, accepted bool, reason qrcode.Reason) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	m.scans.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", string(reason)),
	))
}

// CommitObserved records one finished commit cycle.
func (m *EngineMetrics) CommitObserved(ctx context.Context, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case qrcode.IsTransient(err):
		result = "transient"
	default:
		result = "error"
	}
	attrs := metric.WithAttributes(attribute.String("operation", op), attribute.String("result", result))
	m.commits.Add(ctx, 1, attrs)
	m.commitDuration.Record(ctx, d.Seconds(), attrs)
}

// RetryObserved counts one repeated commit attempt.
func (m *EngineMetrics) RetryObserved(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}
