package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/sirupsen/logrus"
)

// RateLimiter caps requests per caller with a fixed window counter in
// Redis. A nil client or a disabled config lets everything through, and so
// does a Redis failure.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client, cfg config.RateLimitConfig, log logrus.FieldLogger) *RateLimiter {
	rl := &RateLimiter{
		log: log,
		now: time.Now,
	}
	if cfg.Enabled && cfg.RequestsPerWindow > 0 && cfg.Window > 0 {
		rl.client = client
		rl.limit = int64(cfg.RequestsPerWindow)
		rl.window = cfg.Window
	}
	return rl
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.client == nil || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		caller := ActorFrom(r.Context()).ID
		if caller == "" {
			caller = clientIP(r)
		}

		now := rl.now()
		windowStart := now.Truncate(rl.window)
		key := fmt.Sprintf("rate_limit:%s:%d", caller, windowStart.Unix())

		var incr *redis.IntCmd
		_, err := rl.client.TxPipelined(r.Context(), func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(r.Context(), key)
			pipe.Expire(r.Context(), key, rl.window)
			return nil
		})
		if err != nil {
			rl.log.WithError(err).Warn("Rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.limit - incr.Val()
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rl.limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if incr.Val() > rl.limit {
			retryAfter := int(windowStart.Add(rl.window).Sub(now).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			rl.log.WithField("caller", caller).Warn("Rate limit exceeded")
			services.SendErrorResponse(w, "Rate limit exceeded", http.StatusTooManyRequests, services.ErrRateLimited)
			return
		}

		next.ServeHTTP(w, r)
	})
}
