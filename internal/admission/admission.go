// Package admission implements the Admission Layer: two
// composable middlewares — bearer-token authentication and resource
// ownership verification — that every domain handler sits behind.
package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/adimov-eth/vibecheck-sub003/internal/apperr"
)

type contextKey string

const userIDKey contextKey = "userId"
const resourceKey contextKey = "resource"

// UserIDFromContext extracts the authenticated user id attached by
// RequireAuth. Outside RequireAuth's scope (for example on public routes)
// it returns the empty string.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// ResourceFromContext extracts the resource attached by
// RequireResourceOwnership.
func ResourceFromContext(ctx context.Context) any {
	return ctx.Value(resourceKey)
}

// Verifier is the subset of the Session Token Service this package needs.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// RequireAuth extracts a bearer token from the Authorization header and
// attaches the authenticated user id to the request context. Header
// parsing is strict: exactly "Bearer " (case-sensitive, one space) followed
// by a non-empty token; any other form — missing header, empty token,
// lowercase "bearer", extra spaces, or "Bearer" alone — rejects as
// MissingToken rather than attempting a lenient parse.
func RequireAuth(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := parseBearer(r.Header.Get("Authorization"))
			if !ok || token == "" {
				writeErr(w, apperr.New(apperr.MissingToken, "missing or malformed bearer token"))
				return
			}

			userID, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeErr(w, apperr.New(apperr.InvalidToken, "invalid or expired session token"))
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseBearer extracts the token from a strictly formatted
// "Bearer <token>" header value.
func parseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	rest := header[len(prefix):]
	if rest == "" || strings.Contains(rest, " ") {
		return "", false
	}
	return rest, true
}

// ResourceGetter fetches a resource by id and reports its owning user id.
type ResourceGetter[T any] interface {
	GetByID(ctx context.Context, id string) (T, string, bool, error)
}

// GetterFunc adapts a plain function to ResourceGetter.
type GetterFunc[T any] func(ctx context.Context, id string) (T, string, bool, error)

func (f GetterFunc[T]) GetByID(ctx context.Context, id string) (T, string, bool, error) {
	return f(ctx, id)
}

// RequireResourceOwnership fetches the resource named by the idParam URL
// parameter and verifies the authenticated user owns it. Must run after
// RequireAuth. On success it attaches the resource to the request context.
// resourceName and notFound shape the rejection for the resource type
// ("conversation", apperr.ConversationNotFound).
func RequireResourceOwnership[T any](resourceName string, notFound apperr.Code, getter ResourceGetter[T], idParam func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserIDFromContext(r.Context())
			id := idParam(r)

			resource, ownerID, found, err := getter.GetByID(r.Context(), id)
			if err != nil {
				if appErr, ok := apperr.As(err); ok {
					writeErr(w, appErr)
					return
				}
				writeErr(w, apperr.Wrap(apperr.Unexpected, "failed to load "+resourceName, err))
				return
			}
			if !found {
				writeErr(w, apperr.New(notFound, resourceName+" not found"))
				return
			}
			if ownerID != userID {
				writeErr(w, apperr.New(apperr.Forbidden, "you do not have access to this "+resourceName))
				return
			}

			ctx := context.WithValue(r.Context(), resourceKey, resource)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeErr(w http.ResponseWriter, err *apperr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.Status(err))
	json.NewEncoder(w).Encode(map[string]string{"error": string(err.Code), "message": err.Message}) //nolint:errcheck
}
