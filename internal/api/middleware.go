package api

import (
	"net/http"
	"strconv"

	"github.com/adimov-eth/vibecheck-sub003/internal/admission"
	"github.com/adimov-eth/vibecheck-sub003/internal/apperr"
	"github.com/adimov-eth/vibecheck-sub003/internal/httpserver"
	"github.com/adimov-eth/vibecheck-sub003/internal/telemetry"
	"github.com/adimov-eth/vibecheck-sub003/pkg/ratelimit"
)

// rateLimit applies the Rate-Limit Engine to a route scope, keyed by the
// authenticated user id when available, else the remote IP.
func (h *Handlers) rateLimit(scope string, max int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := admission.UserIDFromContext(r.Context())
			key := ratelimit.Key(userID, remoteIP(r), r.Method, r.URL.Path)
			result := h.limiter.Check(scope, key, max)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				telemetry.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
				retryAfter := int(result.RetryAfter.Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				httpserver.RespondAppError(w, apperr.New(apperr.RateLimited, "rate limit exceeded").WithRetryAfter(retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
