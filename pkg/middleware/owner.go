// Package middleware provides shared middleware helpers for the breadcrumb
// substrate.
//
// This package lives in pkg/ (not internal/) so an embedding application can
// call GetOwner()/SetOwner() from its own middleware chain.
package middleware

import "context"

type contextKey string

const ownerKey contextKey = "owner"

// GetOwner extracts the tenant owner id from the context.
// Returns "default" if no owner is set.
func GetOwner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok && v != "" {
		return v
	}
	return "default"
}

// SetOwner stores the tenant owner id in the context.
func SetOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}
