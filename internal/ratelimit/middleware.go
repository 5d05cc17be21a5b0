package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"storefront/internal/clientip"
	"storefront/internal/models"
)

// Recorder receives admission outcomes, typically for metrics.
type Recorder interface {
	RecordAdmission(r *http.Request, allowed bool)
}

// Middleware returns HTTP middleware that enforces per-client rate limits.
// Clients are keyed by clientip.FromRequest. A rejected request never
// reaches next and receives a fixed 429 JSON body.
func Middleware(limiter Limiter, rec Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientip.FromRequest(r)

			allowed, info := limiter.Allow(key)
			if rec != nil {
				rec.RecordAdmission(r, allowed)
			}

			// Always set rate limit headers
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

			if !allowed {
				retryAfterSecs := int(info.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				json.NewEncoder(w).Encode(models.RateLimitResponse{Error: models.MessageTooManyRequests})

				slog.Warn("Rate limit exceeded",
					"key", key,
					"limit", info.Limit,
					"retry_after", retryAfterSecs,
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
