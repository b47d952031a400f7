package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"productivity-auth/internal/events"
	"productivity-auth/internal/metrics"
	"productivity-auth/internal/models"
	"productivity-auth/internal/ratelimit"
	"productivity-auth/pkg/errors"

	"go.uber.org/zap"
)

// RateLimitMiddleware admits requests through the per-IP token buckets.
// Rejected requests never reach the handlers. Every rejection is counted;
// only the first per (ip, class) in a ratelimit.ReportWindow is logged and
// audited.
func RateLimitMiddleware(limiter *ratelimit.Limiter, recorder *events.Recorder, m *metrics.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ratelimit.ClientIP(r)
			class := limiter.ClassFor(r.URL.Path)

			if limiter.Allow(ip, class) {
				next.ServeHTTP(w, r)
				return
			}

			m.RateLimitRejections.WithLabelValues(string(class)).Inc()
			if limiter.ShouldReport(ip, class) {
				logger.Warn("Rate limit exceeded",
					zap.String("ip", ip),
					zap.String("class", string(class)),
					zap.String("path", r.URL.Path))
				recorder.Record(r.Context(), models.SecurityEvent{
					Type:      models.EventRateLimited,
					IPAddress: ip,
					UserAgent: r.UserAgent(),
					ErrorCode: errors.ErrRateLimitExceeded.Code,
					Metadata:  map[string]string{"class": string(class), "path": r.URL.Path},
				})
			}

			retry := int(math.Ceil(limiter.RetryAfter(class).Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, errors.ErrRateLimitExceeded)
		})
	}
}

func writeError(w http.ResponseWriter, err *errors.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             err.Code,
		"error_description": err.Message,
	})
}
