package httpmiddleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-client token bucket limiter.
type RateLimitConfig struct {
	// RPS is the sustained request rate per key.
	RPS float64
	// Burst is the bucket size.
	Burst int
	// IdleTTL evicts keys without traffic. Defaults to one minute.
	IdleTTL time.Duration
	// KeyFunc extracts the limiter key. Defaults to the client IP.
	KeyFunc func(*http.Request) string
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	clients map[string]*client
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &rateLimiter{cfg: cfg, clients: make(map[string]*client)}
}

// reserve takes one token for key. When denied it returns the wait until
// the next token.
func (rl *rateLimiter) reserve(key string, now time.Time) (remaining int, retryAfter time.Duration, ok bool) {
	rl.mu.Lock()
	c, found := rl.clients[key]
	if !found {
		c = &client{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RPS), rl.cfg.Burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0, rl.cfg.IdleTTL, false
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return 0, delay, false
	}
	return int(math.Max(0, c.limiter.TokensAt(now))), 0, true
}

func (rl *rateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) >= rl.cfg.IdleTTL {
			delete(rl.clients, key)
		}
	}
}

func (rl *rateLimiter) run(ctx context.Context) {
	t := time.NewTicker(rl.cfg.IdleTTL)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			rl.evict(now)
		}
	}
}

// RateLimit enforces cfg per client. Idle clients are evicted in the
// background until ctx is cancelled. Denied requests get 429 with a
// Retry-After header.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	rl := newRateLimiter(cfg)
	go rl.run(ctx)
	return rl.middleware
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, ok := rl.reserve(rl.cfg.KeyFunc(r), time.Now())

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Burst))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "Demasiadas solicitudes, intenta más tarde",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
