package lifecycle

import (
	"fmt"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// reuseCounter owns the increment of ReuseCount. It only runs inside the
// engine's commit cycle, under the entity lock, and refuses any increment
// that would break a configured bound.
type reuseCounter struct{}

func (reuseCounter) increment(q *qrcode.QrCode) error {
	switch q.ReusableMode {
	case qrcode.ModeLimited:
		if q.ReuseLimit == nil {
			return fmt.Errorf("%w: limited code %s has no reuse limit", qrcode.ErrInvariant, q.ID)
		}
		if q.ReuseCount >= *q.ReuseLimit {
			return fmt.Errorf("%w: reuse_count %d already at limit %d", qrcode.ErrInvariant, q.ReuseCount, *q.ReuseLimit)
		}
	case qrcode.ModePhase:
		if q.LifecyclePolicy != nil {
			if m, ok := q.LifecyclePolicy.MaxEvents(); ok && q.ReuseCount >= m.Limit {
				return fmt.Errorf("%w: reuse_count %d already at max_events %d", qrcode.ErrInvariant, q.ReuseCount, m.Limit)
			}
		}
	}
	q.ReuseCount++
	return nil
}
