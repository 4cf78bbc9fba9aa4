// Package ctxkeys carries request-scoped identity values through
// context without exposing the key types.
package ctxkeys

import "context"

// contextKey is the private key type for context values.
type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	userIDKey  contextKey = "user_id"
	adminIDKey contextKey = "admin_id"
)

// WithTraceID sets the request trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the request trace ID.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithUserID sets the authenticated user identity.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the authenticated user identity.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithAdminID sets the operator identity. Only set when the token
// carries the operator claim.
func WithAdminID(ctx context.Context, adminID string) context.Context {
	return context.WithValue(ctx, adminIDKey, adminID)
}

// AdminID returns the operator identity.
func AdminID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(adminIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
