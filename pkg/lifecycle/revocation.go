package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// RevocationHandler is the administrative override into the engine.
// Revocation skips reuse checks but commits through the same locked,
// versioned path as every other mutation.
type RevocationHandler struct {
	engine *Engine
}

// Revoke moves a non-terminal code to REVOKED and records one REVOKED
// event carrying the actor. Revoking a terminal code fails with
// qrcode.ErrAlreadyTerminal and writes nothing.
func (h *RevocationHandler) Revoke(ctx context.Context, code string, actor Actor) (q qrcode.QrCode, err error) {
	e := h.engine
	ctx, done := e.telemetry.TrackOperation(ctx, "lifecycle.revoke")
	defer func() { done(err) }()

	if !actor.IsAdmin() {
		return qrcode.QrCode{}, fmt.Errorf("%w: revoking requires role %s", qrcode.ErrForbidden, RoleAdmin)
	}

	out, err := e.mutate(ctx, "revoke", code, func(cur qrcode.QrCode, now time.Time) (plan, error) {
		if cur.IsTerminal() {
			return plan{}, fmt.Errorf("%w: %s is %s", qrcode.ErrAlreadyTerminal, code, cur.LifecycleState)
		}
		from := cur.LifecycleState
		next := cur.Clone()
		if err := transition(&next, qrcode.StateRevoked); err != nil {
			return plan{}, err
		}
		next.Status = qrcode.StatusRevoked
		return plan{record: next, events: []qrcode.Event{{
			QrCodeID:   cur.ID,
			Type:       qrcode.EventRevoked,
			OccurredAt: now,
			ActorID:    actor.ID,
			Metadata: map[string]string{
				qrcode.MetaFrom:       string(from),
				qrcode.MetaReuseCount: fmt.Sprint(cur.ReuseCount),
			},
		}}}, nil
	})
	if err != nil {
		return qrcode.QrCode{}, err
	}

	q = out.Record
	q.Events, err = e.store.ListEvents(ctx, q.ID)
	if err != nil {
		return qrcode.QrCode{}, err
	}
	e.logger.InfoContext(ctx, "qr code revoked", "qr_id", q.ID, "code", code, "actor", actor.ID)
	return q, nil
}
