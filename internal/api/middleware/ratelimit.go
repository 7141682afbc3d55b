package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter enforces two fixed windows per client IP: one per second and
// one per day. Counters live in process memory; a multi-replica deployment
// rate-limits per replica. Entries whose day window has lapsed are swept
// periodically so the map does not grow without bound under IP churn.
type RateLimiter struct {
	mu        sync.Mutex
	perSecond int
	perDay    int
	clients   map[string]*clientWindows
	lastSweep time.Time
	now       func() time.Time
}

const sweepInterval = time.Hour

type clientWindows struct {
	secondStart time.Time
	secondCount int
	dayStart    time.Time
	dayCount    int
}

func NewRateLimiter(perSecond, perDay int) *RateLimiter {
	return &RateLimiter{
		perSecond: perSecond,
		perDay:    perDay,
		clients:   make(map[string]*clientWindows),
		now:       time.Now,
	}
}

// verdict is the outcome of one admission check, carrying what the
// X-RateLimit response headers need.
type verdict struct {
	allowed         bool
	secondRemaining int
	dayRemaining    int
	secondReset     time.Time
	dayReset        time.Time
}

func (l *RateLimiter) admit(ip string) verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweep(now)
	}
	c, ok := l.clients[ip]
	if !ok {
		c = &clientWindows{secondStart: now, dayStart: now}
		l.clients[ip] = c
	}
	if now.Sub(c.secondStart) >= time.Second {
		c.secondStart = now
		c.secondCount = 0
	}
	if now.Sub(c.dayStart) >= 24*time.Hour {
		c.dayStart = now
		c.dayCount = 0
	}

	v := verdict{
		allowed:     c.secondCount < l.perSecond && c.dayCount < l.perDay,
		secondReset: c.secondStart.Add(time.Second),
		dayReset:    c.dayStart.Add(24 * time.Hour),
	}
	if v.allowed {
		c.secondCount++
		c.dayCount++
	}
	v.secondRemaining = l.perSecond - c.secondCount
	v.dayRemaining = l.perDay - c.dayCount
	return v
}

// sweep drops clients whose day window lapsed without another request;
// an active client always has a dayStart younger than 24 hours. Caller
// holds the lock.
func (l *RateLimiter) sweep(now time.Time) {
	for ip, c := range l.clients {
		if now.Sub(c.dayStart) >= 24*time.Hour {
			delete(l.clients, ip)
		}
	}
	l.lastSweep = now
}

// Middleware applies the limiter to every request, keyed by client IP.
// RealIP must run before it so the key survives proxies.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := l.admit(clientIP(r))

		h := w.Header()
		h.Set("X-RateLimit-Limit-ip-per-second", strconv.Itoa(l.perSecond))
		h.Set("X-RateLimit-Remaining-ip-per-second", strconv.Itoa(v.secondRemaining))
		h.Set("X-RateLimit-Reset-ip-per-second", strconv.FormatInt(v.secondReset.Unix(), 10))
		h.Set("X-RateLimit-Limit-ip-per-day", strconv.Itoa(l.perDay))
		h.Set("X-RateLimit-Remaining-ip-per-day", strconv.Itoa(v.dayRemaining))
		h.Set("X-RateLimit-Reset-ip-per-day", strconv.FormatInt(v.dayReset.Unix(), 10))

		if !v.allowed {
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
