package rate

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"
)

// NewLimiter returns a new rate limiter. A disabled limiter allows every
// request.
func NewLimiter(c Config, logger logr.Logger) *Limiter {
	log := logger.WithName("rate")
	if !c.Enable {
		log.Info("Rate limiter is disabled")
		return &Limiter{store: &noopStore{}}
	}
	var s store
	switch c.StoreType {
	case storeTypeRedis:
		s = newRedisStore(c, log)
	default:
		s = newMemoryStore(c, log)
	}
	return &Limiter{store: s}
}

// Limiter limits the request rate per key.
type Limiter struct {
	store store
}

// Take takes a token for the key if one is available.
func (l *Limiter) Take(ctx context.Context, key string) (*Result, error) {
	return l.store.Take(ctx, key, 1)
}

// SetRateLimitHTTPHeaders sets rate limit headers to the response.
func SetRateLimitHTTPHeaders(w http.ResponseWriter, res *Result) {
	if res.Limit == -1 {
		// rate limiter is disabled
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(res.ResetAfter.Seconds())))
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(res.RetryAfter.Seconds())))
	}
}

func ceilSeconds(s float64) int {
	n := int(s)
	if float64(n) < s {
		n++
	}
	return n
}
