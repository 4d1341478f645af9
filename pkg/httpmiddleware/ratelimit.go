package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the sliding window limiter.
type RateLimitConfig struct {
	// Max requests per Window. Zero or negative disables limiting.
	Max    int
	Window time.Duration
	// Key identifies the client. Defaults to ClientIP.
	Key func(*http.Request) string
	// Now defaults to time.Now.
	Now func() time.Time
}

// window holds the counts of the current and the previous fixed window. The
// previous count is weighted by how much of it still overlaps the sliding
// window ending now.
type window struct {
	start      time.Time
	prev, curr float64
}

type limiter struct {
	max  int
	size time.Duration

	mu      sync.Mutex
	clients map[string]*window
}

func (l *limiter) take(key string, now time.Time) (remaining int, reset time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.clients[key]
	if w == nil {
		w = &window{start: now.Truncate(l.size)}
		l.clients[key] = w
	}
	switch elapsed := now.Sub(w.start); {
	case elapsed >= 2*l.size:
		w.prev, w.curr = 0, 0
		w.start = now.Truncate(l.size)
	case elapsed >= l.size:
		w.prev, w.curr = w.curr, 0
		w.start = w.start.Add(l.size)
	}

	overlap := 1 - float64(now.Sub(w.start))/float64(l.size)
	used := w.prev*max(overlap, 0) + w.curr
	reset = w.start.Add(l.size)
	if used >= float64(l.max) {
		return 0, reset, false
	}
	w.curr++
	return max(int(float64(l.max)-used-1), 0), reset, true
}

func (l *limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.clients {
		if now.Sub(w.start) >= 2*l.size {
			delete(l.clients, k)
		}
	}
}

// RateLimit rejects clients over cfg.Max requests per sliding window with
// 429. Every response carries X-RateLimit-* headers. Idle clients are evicted
// in the background until ctx is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	if cfg.Max <= 0 || cfg.Window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Key == nil {
		cfg.Key = ClientIP
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &limiter{max: cfg.Max, size: cfg.Window, clients: make(map[string]*window)}

	go func() {
		t := time.NewTicker(2 * cfg.Window)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.evict(cfg.Now())
			}
		}
	}()

	limit := strconv.Itoa(cfg.Max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := cfg.Now()
			remaining, reset, ok := l.take(cfg.Key(r), now)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(max(reset.Sub(now), 0).Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys requests by the first X-Forwarded-For hop, then X-Real-IP,
// then the remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HeaderOrIP keys requests by the value of header, falling back to ClientIP.
// Used to give each API key its own budget.
func HeaderOrIP(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			return header + ":" + v
		}
		return "ip:" + ClientIP(r)
	}
}
