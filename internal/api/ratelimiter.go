package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const clientIdleTTL = 3 * time.Minute

type rateLimiter interface {
	Allow(client string) bool
}

// clientLimiter keeps one token bucket per client address. Buckets unused for
// longer than ttl are dropped by the next sweep.
type clientLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	clock func() time.Time

	mu        sync.Mutex
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(ratePerSecond float64, burst int) *clientLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		limit:   rate.Limit(ratePerSecond),
		burst:   burst,
		ttl:     clientIdleTTL,
		clock:   time.Now,
		buckets: make(map[string]*clientBucket),
	}
}

func (l *clientLimiter) Allow(client string) bool {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweep(now)
	}

	b, ok := l.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[client] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *clientLimiter) sweep(now time.Time) {
	for client, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, client)
		}
	}
	l.lastSweep = now
}

// retryAfter is the whole number of seconds until one token refills.
func (l *clientLimiter) retryAfter() string {
	secs := math.Ceil(1 / float64(l.limit))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(int(secs))
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rateLimitMiddleware(limiter rateLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	retry := "1"
	if cl, ok := limiter.(*clientLimiter); ok {
		retry = cl.retryAfter()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.Allow(clientAddr(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", retry)
		writeError(w, http.StatusTooManyRequests, "Too many requests", "rate limit exceeded, please retry shortly")
	})
}
