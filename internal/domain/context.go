package domain

import "context"

type ctxKey string

const callCtxKey ctxKey = "call_id"

// ContextWithCallID returns a new context carrying the call ID (ULID).
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callCtxKey, callID)
}

// CallIDFromContext extracts the call ID from the context.
// Returns empty string if not set.
func CallIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callCtxKey).(string); ok {
		return v
	}
	return ""
}
