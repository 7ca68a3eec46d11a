package controlplane

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
	"github.com/RendaniSinyage/rokct/internal/utils"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter throttles requests per client IP with a token bucket.
type IPRateLimiter struct {
	mu             sync.Mutex
	entries        map[string]*limiterEntry
	limit          rate.Limit
	burst          int
	trustedProxies []string
	now            func() time.Time
}

// NewIPRateLimiter allows perMinute requests per IP with the given burst.
func NewIPRateLimiter(perMinute, burst int, trustedProxies []string) *IPRateLimiter {
	return &IPRateLimiter{
		entries:        make(map[string]*limiterEntry),
		limit:          rate.Every(time.Minute / time.Duration(perMinute)),
		burst:          burst,
		trustedProxies: trustedProxies,
		now:            time.Now,
	}
}

// Allow reports whether ip may make a request now.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	entry := l.entries[ip]
	if entry == nil {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = now
	l.evictLocked(now)
	return entry.limiter.AllowN(now, 1)
}

// evictLocked drops limiters idle for longer than limiterIdleTTL.
func (l *IPRateLimiter) evictLocked(now time.Time) {
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.entries, ip)
		}
	}
}

// Middleware rejects throttled requests with 429.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := utils.ClientIP(r, l.trustedProxies)
		if !l.Allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Duration(float64(time.Second)/float64(l.limit)).Seconds())+1))
			_ = utils.WriteJSONStatus(w, http.StatusTooManyRequests, map[string]string{
				"status": tenantrpc.StatusError, "message": "too many requests, try again later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
