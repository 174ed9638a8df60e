// Package middleware holds the HTTP side of rate limiting: the process-wide
// throttle and the 429 response shape.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"phoenix/internal/platform/metrics"
	"phoenix/internal/ratelimit/models"
	"phoenix/pkg/platform/httputil"
)

// Throttle caps the whole process at rps with the given burst. It protects
// the server itself; per-client fairness is the service's job.
type Throttle struct {
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewThrottle builds a throttle. rps <= 0 disables it.
func NewThrottle(rps float64, burst int, logger *slog.Logger, m *metrics.Metrics) *Throttle {
	t := &Throttle{logger: logger, metrics: m}
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
	}
	return t
}

// Handler rejects requests beyond the process budget with 503.
func (t *Throttle) Handler(next http.Handler) http.Handler {
	if t.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.limiter.Allow() {
			t.metrics.IncRateLimitDenied("global")
			t.logger.WarnContext(r.Context(), "global throttle rejected request", "path", r.URL.Path)
			writeServiceOverloaded(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AddHeaders sets the X-RateLimit-* headers.
func AddHeaders(w http.ResponseWriter, result *models.Result) {
	if result == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// WriteExceeded writes 429 with Retry-After.
func WriteExceeded(w http.ResponseWriter, result *models.Result) {
	AddHeaders(w, result)
	secs := result.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.ExceededResponse{
		Error:      "rate_limited",
		Message:    "Too many attempts. Please try again later.",
		RetryAfter: secs,
	})
}

func writeServiceOverloaded(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	httputil.WriteJSON(w, http.StatusServiceUnavailable, &httputil.ErrorResponse{
		Error:            "unavailable",
		ErrorDescription: "Service is temporarily overloaded. Please try again later.",
	})
}
