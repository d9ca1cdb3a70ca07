package auth

import (
	"context"
	"errors"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}

// PrincipalID returns the caller id, or the fallback when the request is
// unauthenticated.
func PrincipalID(ctx context.Context, fallback string) string {
	if p, err := GetPrincipal(ctx); err == nil && p.ID != "" {
		return p.ID
	}
	return fallback
}
