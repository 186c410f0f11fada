package httpapi

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ai-gateway/orchestrator/internal/gwerr"
)

// clientLimiter is a per-client-IP token bucket, built lazily on first sight
// and never evicted; the gateway expects a bounded, mostly-stable set of
// callers. Protects the admission controller from a single noisy caller
// before a request is ever charged against the global queue cap.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (c *clientLimiter) allow(key string) bool {
	if c.rps <= 0 {
		return true
	}
	c.mu.Lock()
	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.rps), c.burst)
		c.limiters[key] = l
	}
	c.mu.Unlock()
	return l.Allow()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.allow(clientKey(r)) {
			writeGatewayError(w, gwerr.New(gwerr.Overloaded, "client rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
