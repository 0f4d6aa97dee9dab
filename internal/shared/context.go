package shared

import (
	"context"

	"github.com/google/uuid"
)

// Identity is the authenticated caller attached to a request context by the
// token middleware. Role carries the raw bitmask so boundary gates can check
// flags without importing the directory package.
type Identity struct {
	UserID uuid.UUID
	Roles  int
	Token  string
}

type identityContextKey struct{}

// ContextWithIdentity stores the authenticated identity in context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}
