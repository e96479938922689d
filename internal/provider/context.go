package provider

import "context"

type runIDKeyType struct{}

var runIDKey = runIDKeyType{}

// WithRunID returns a context carrying the run ID, forwarded to providers
// as the X-Request-ID header by DoRequest.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunID extracts the run ID from context, or "" when absent.
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}
