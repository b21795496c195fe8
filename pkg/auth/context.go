package auth

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/qrgov/pkg/lifecycle"
)

// Principal is the authenticated caller.
type Principal struct {
	ID   string
	Role string
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the Principal from ctx.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return Principal{}, errors.New("no principal in context")
	}
	return p, nil
}

// ActorFromContext maps the request principal onto a lifecycle actor.
func ActorFromContext(ctx context.Context) (lifecycle.Actor, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return lifecycle.Actor{}, err
	}
	return lifecycle.Actor{ID: p.ID, Role: p.Role}, nil
}
