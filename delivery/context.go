// Package delivery carries the caller identity from transport layers into the
// handlers that stream results back to that caller.
package delivery

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const userContextKey contextKey = "delivery.user_id"

// UserHeader is read by HeaderAuth.
const UserHeader = "X-User-ID"

// WithUser stores the authenticated user id on context.
func WithUser(ctx context.Context, userID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userContextKey, userID)
}

// UserFromContext returns the user id previously attached to context.
func UserFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, ok := ctx.Value(userContextKey).(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Authenticator resolves the caller of a request. An empty id means the
// request is anonymous.
type Authenticator func(r *http.Request) (string, error)

// HeaderAuth trusts the user id in UserHeader. It is meant for deployments
// behind a gateway that has already authenticated the caller.
func HeaderAuth(r *http.Request) (string, error) {
	return strings.TrimSpace(r.Header.Get(UserHeader)), nil
}

// RequireUser rejects anonymous requests and stores the caller on the request
// context for next.
func RequireUser(auth Authenticator, next http.Handler) http.Handler {
	if auth == nil {
		auth = HeaderAuth
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := auth(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if userID == "" {
			http.Error(w, "user identity required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}
