package observability

import (
	"context"
)

// Context keys for observability data.
type contextKey string

const (
	requestIDKey    contextKey = "request_id"
	requestClassKey contextKey = "request_class"
	requestTokenKey contextKey = "request_token"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithRequestToken records the class and cancellation token of the
// request owning ctx.
func WithRequestToken(ctx context.Context, class, token string) context.Context {
	ctx = context.WithValue(ctx, requestClassKey, class)
	return context.WithValue(ctx, requestTokenKey, token)
}

// RequestTokenFromContext retrieves the request class and token.
// Returns empty strings if not present.
func RequestTokenFromContext(ctx context.Context) (class, token string) {
	return stringValue(ctx, requestClassKey), stringValue(ctx, requestTokenKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
