package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per client address. Buckets of clients
// that stay quiet for the idle period are dropped.
type RateLimiter struct {
	rps   float64
	burst int

	mu      sync.Mutex
	buckets *expiremap.ExpireMap[string, *rate.Limiter]
}

// NewRateLimiter allows rps requests per second with the given burst to each
// client. A non-positive rps returns nil, which disables limiting.
func NewRateLimiter(rps float64, burst int, idle time.Duration) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &RateLimiter{
		rps:     rps,
		burst:   burst,
		buckets: expiremap.NewEx[string, *rate.Limiter](idle, idle),
	}
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.buckets.Load(key); ok {
		// Refresh the idle timer.
		l.buckets.Set(key, *lim)
		return *lim
	}
	lim := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.buckets.Set(key, lim)
	return lim
}

// Allow reports whether a request from key may proceed now.
func (l *RateLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Middleware rejects requests over the limit with 429 Problem Details.
// A nil limiter passes every request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
			WriteProblem(w, r, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) retryAfter() int {
	secs := int(1 / l.rps)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// clientKey identifies the caller by address; RealIP middleware has already
// rewritten RemoteAddr when a proxy header was present.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
