package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits is the per-client request budget for a route group.
type Limits struct {
	// Rate is the sustained number of requests per second.
	Rate rate.Limit
	// Burst is how far a client may briefly exceed Rate.
	Burst int
	// IdleEviction is how long a client's bucket survives without traffic
	// before it is discarded.
	IdleEviction time.Duration
}

// APILimits is the budget for authenticated call-control and provisioning
// routes. Generous enough for dashboards polling the live-call list.
func APILimits() Limits {
	return Limits{Rate: 20, Burst: 40, IdleEviction: 10 * time.Minute}
}

// AuthLimits throttles the credential endpoints (setup, login) hard enough
// to blunt password guessing.
func AuthLimits() Limits {
	return Limits{Rate: 5, Burst: 10, IdleEviction: 10 * time.Minute}
}

// IPRateLimiter hands out one token bucket per client IP. Idle buckets are
// swept opportunistically from Allow, so there is no background goroutine to
// start or stop.
type IPRateLimiter struct {
	limits Limits

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a limiter enforcing the given budget per client IP.
func NewIPRateLimiter(limits Limits) *IPRateLimiter {
	return &IPRateLimiter{
		limits:    limits,
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

// Allow reports whether a request from ip fits its budget.
func (rl *IPRateLimiter) Allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limits.Rate, rl.limits.Burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	if now.Sub(rl.lastSweep) >= rl.limits.IdleEviction {
		rl.sweepLocked(now)
	}
	rl.mu.Unlock()

	return b.lim.Allow()
}

// sweepLocked drops buckets idle longer than the eviction window. The caller
// holds mu.
func (rl *IPRateLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-rl.limits.IdleEviction)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
	rl.lastSweep = now
}

// RateLimit rejects requests over the client's budget with 429 and a
// Retry-After hint.
func RateLimit(rl *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !rl.Allow(ip) {
				slog.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeEnvelopeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware runs
// earlier in the stack and rewrites RemoteAddr from proxy headers when the
// server sits behind a reverse proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
