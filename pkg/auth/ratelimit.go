package auth

import (
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter keeps a token bucket per principal. Unauthenticated callers
// share a bucket keyed by remote address.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter allows rps requests per second with the given burst per
// principal.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether the caller may proceed.
func (l *RateLimiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Middleware enforces the limit and answers 429 with Retry-After when a
// bucket is empty.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if p, err := GetPrincipal(r.Context()); err == nil {
			key = p.ID
		}
		if !l.Allow(key) {
			retryAfter := 1
			if l.limit > 0 && l.limit < 1 {
				retryAfter = int(1 / float64(l.limit))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
