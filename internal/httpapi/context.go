package httpapi

import (
	"context"
	"net/http"
)

type contextKey struct{ name string }

var userIDKey = contextKey{"user_id"}

// UserIDFromContext returns the authenticated user ID set by the auth
// middleware, or empty if the request was not authenticated.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// SetUserIDToContext stores the authenticated user ID. Exposed for tests
// and for embedding the API behind a different auth stack.
func SetUserIDToContext(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// authMiddleware reads the user identity the edge proxy injects after
// session validation. Authentication itself is an external collaborator;
// this service only trusts the already-verified header.
func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-Authenticated-User")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(SetUserIDToContext(r.Context(), userID)))
	})
}
