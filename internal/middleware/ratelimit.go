// Package middleware wraps the engine's operational HTTP endpoints.
package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"automation-engine/internal/config"
)

// RateLimiter is a fixed window limiter keyed by client IP.
type RateLimiter struct {
	cfg         config.RateLimitConfig
	clients     map[string]*clientState
	mu          sync.Mutex
	exemptPaths map[string]bool
	stop        chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
	logger      *slog.Logger

	limited prometheus.Counter
	allowed prometheus.Counter
}

type clientState struct {
	count     int64
	windowEnd time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop. Counters are
// registered on reg when it is non-nil.
func NewRateLimiter(cfg config.RateLimitConfig, reg prometheus.Registerer, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}

	rl := &RateLimiter{
		cfg:         cfg,
		clients:     make(map[string]*clientState),
		exemptPaths: make(map[string]bool, len(cfg.ExemptPaths)),
		stop:        make(chan struct{}),
		now:         time.Now,
		logger:      logger.With("component", "rate_limiter"),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automation",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		allowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automation",
			Subsystem: "http",
			Name:      "rate_allowed_total",
			Help:      "Requests admitted by the rate limiter.",
		}),
	}
	for _, p := range cfg.ExemptPaths {
		rl.exemptPaths[p] = true
	}
	if reg != nil {
		reg.MustRegister(rl.limited, rl.allowed)
	}

	go rl.cleanupLoop()
	return rl
}

// Limit is the number of requests allowed per window including burst.
func (rl *RateLimiter) Limit() int {
	return rl.cfg.RequestsPerIP + rl.cfg.BurstSize
}

// Allow records a request from ip and reports whether it is admitted, how
// many requests remain, and when the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.clients[ip]
	if !ok || now.After(client.windowEnd) {
		client = &clientState{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = client
	}

	limit := int64(rl.Limit())
	if client.count >= limit {
		return false, 0, client.windowEnd
	}
	client.count++
	return true, int(max(limit-client.count, 0)), client.windowEnd
}

// IsExempt reports whether path bypasses the limiter.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// TrackedClients returns the number of IPs with live windows.
func (rl *RateLimiter) TrackedClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop ends the cleanup loop. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	// Entries are kept for two windows after expiry.
	threshold := rl.now().Add(-2 * rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		if client.windowEnd.Before(threshold) {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Middleware applies the limiter to next. Rejected requests get 429 with the
// standard rate limit headers.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || rl.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.cfg.TrustProxy)
		ok, remaining, reset := rl.Allow(ip)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit()))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !ok {
			rl.limited.Inc()
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)

			retryAfter := int(reset.Sub(rl.now()).Seconds()) + 1
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"code":"RATE_LIMITED","message":"too many requests","retry_after":%d}`, retryAfter)
			return
		}

		rl.allowed.Inc()
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the caller's address. With trustProxy the rightmost
// X-Forwarded-For entry wins since the nearest proxy appended it.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
