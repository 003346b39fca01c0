package syncapi

import (
	"context"

	"github.com/todo-sync/backend/internal/platform/auth"
)

func contextWithClaims(ctx context.Context, claims auth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) auth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(auth.Claims)
	return claims
}
