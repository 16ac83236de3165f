package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"airport-ops-console/shared/httpx"
)

// RateLimitMiddleware throttles incident actions per client so a stuck
// button cannot flood the ops backend with claims.
type RateLimitMiddleware struct {
	Limiter *ClientRateLimiter
	// Only limits requests it returns true for. Nil limits everything.
	Only func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Limiter == nil || (m.Only != nil && !m.Only(r)) {
			next.ServeHTTP(w, r)
			return
		}
		if !m.Limiter.Allow(clientKey(r)) {
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientRateLimiter is a token bucket per client key.
type ClientRateLimiter struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	rps     float64
	burst   float64
	ttl     time.Duration
	clients map[string]*clientTokens
}

type clientTokens struct {
	tokens   float64
	lastSeen time.Time
}

func NewClientRateLimiter(rps float64, burst int, ttl time.Duration, clk clock.PassiveClock) *ClientRateLimiter {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 5
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ClientRateLimiter{
		clock:   clk,
		rps:     rps,
		burst:   float64(burst),
		ttl:     ttl,
		clients: make(map[string]*clientTokens),
	}
}

func (l *ClientRateLimiter) Allow(key string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, c := range l.clients {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.clients, k)
		}
	}

	c, ok := l.clients[key]
	if !ok {
		l.clients[key] = &clientTokens{tokens: l.burst - 1, lastSeen: now}
		return true
	}
	c.tokens += now.Sub(c.lastSeen).Seconds() * l.rps
	if c.tokens > l.burst {
		c.tokens = l.burst
	}
	c.lastSeen = now
	if c.tokens < 1 {
		return false
	}
	c.tokens--
	return true
}

// clientKey prefers the operator identity over the network address.
func clientKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Operator-ID")); v != "" {
		return "op:" + v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		return strings.TrimSpace(strings.Split(v, ",")[0])
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	return r.RemoteAddr
}
