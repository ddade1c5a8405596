package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/helixir/inspire-refgraph/internal/observability"
)

type contextKey string

const ctxKeyScope contextKey = "scope"

const (
	// sessionHeader names the client session. Requests of one session
	// supersede each other; different sessions run independently.
	sessionHeader = "X-Session-ID"
	sessionParam  = "session"
	maxScopeLen   = 128
)

// sessionScopeMiddleware stores the caller's cancellation scope in the
// request context.
func sessionScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := strings.TrimSpace(r.Header.Get(sessionHeader))
		if scope == "" {
			scope = strings.TrimSpace(r.URL.Query().Get(sessionParam))
		}
		if len(scope) > maxScopeLen {
			writeError(w, http.StatusBadRequest, "invalid_input", "session id is too long")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyScope, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// scopeFromContext extracts the session scope from the request context.
func scopeFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyScope).(string); ok {
		return v
	}
	return ""
}

// correlationIDMiddleware ensures every request has a correlation ID.
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = middleware.GetReqID(r.Context())
		}
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		w.Header().Set("X-Correlation-ID", correlationID)
		ctx := observability.WithRequestID(r.Context(), correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jsonContentTypeMiddleware sets Content-Type: application/json for all
// responses. Streaming handlers override it.
func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
