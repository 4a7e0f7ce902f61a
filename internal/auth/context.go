// ABOUTME: Identity propagation through request contexts.
// ABOUTME: WithIdentity/FromContext pair used by middleware and handlers.

package auth

import (
	"context"
)

// Identity is the authenticated operator attached to a request.
type Identity struct {
	Operator string
}

type identityKey struct{}

// WithIdentity returns a new context carrying the identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity, nil when the request is anonymous.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}
