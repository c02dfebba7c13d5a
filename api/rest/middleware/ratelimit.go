package middleware

import (
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per execution, falling back to
// the caller's address when the request carries no claims.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	log      *logrus.Logger
}

// NewRateLimiter creates a rate limiter allowing perMinute calls per
// execution with a burst of the same size.
func NewRateLimiter(perMinute int, log *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		log:      log,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		// Bound the map; a reset just refills everyone's bucket.
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// RateLimitMiddleware rejects callers exceeding their per-execution
// budget with 429.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if claims, ok := GetTokenClaims(r.Context()); ok {
				key = claims.ExecutionID
			}

			if !limiter.getLimiter(key).Allow() {
				limiter.log.WithField("key", key).Warn("Rate limit exceeded")
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
