package api

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"blitzi/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// Logger wraps a handler with request logging. Every response carries an
// X-Request-ID header, reusing the caller's if present.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		wrapped := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)

		// Liveness checks would drown out everything else
		if r.URL.Path == "/health" {
			return
		}

		logging.HTTP.Printf("%s %s %d %s %s", r.Method, r.URL.Path, wrapped.status, time.Since(start), requestID)
	})
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowedOrigins []string // Empty or nil means allow all (development mode)
}

// CORS adds CORS headers with configurable origin restrictions.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowAll := len(cfg.AllowedOrigins) == 0

	allowedSet := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		allowedSet[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && allowedSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets long-poll handlers push headers through the wrapper.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the rate limit for general API requests per IP
	RequestsPerSecond float64
	// BurstSize is the maximum burst size allowed
	BurstSize int
	// PayRequestsPerMinute is the rate limit for POST /pay per IP
	PayRequestsPerMinute float64
	// PayBurstSize is the maximum burst for payments
	PayBurstSize int
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:    10,
		BurstSize:            20,
		PayRequestsPerMinute: 30,
		PayBurstSize:         5,
	}
}

const defaultLimiterTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix seconds
}

// ipRateLimiter manages per-IP rate limiters and forgets idle IPs.
type ipRateLimiter struct {
	limiters sync.Map // map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func newIPRateLimiterWithTTL(r float64, burst int, ttl time.Duration) *ipRateLimiter {
	rl := &ipRateLimiter{
		rate:  rate.Limit(r),
		burst: burst,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *ipRateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now().Unix()
	if v, exists := rl.limiters.Load(ip); exists {
		entry := v.(*limiterEntry)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	entry := &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
	entry.lastSeen.Store(now)
	v, _ := rl.limiters.LoadOrStore(ip, entry)
	return v.(*limiterEntry).limiter
}

func (rl *ipRateLimiter) cleanupLoop() {
	interval := rl.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
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

func (rl *ipRateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.ttl).Unix()
	rl.limiters.Range(func(key, v any) bool {
		if v.(*limiterEntry).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *ipRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiter applies per-IP token buckets, with a stricter bucket for
// payments than for everything else.
type RateLimiter struct {
	general *ipRateLimiter
	pay     *ipRateLimiter
}

// NewRateLimiter creates a rate limiter. Call Stop when done.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		general: newIPRateLimiterWithTTL(cfg.RequestsPerSecond, cfg.BurstSize, defaultLimiterTTL),
		pay:     newIPRateLimiterWithTTL(cfg.PayRequestsPerMinute/60, cfg.PayBurstSize, defaultLimiterTTL),
	}
}

// Middleware wraps next with rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)

		var limiter *rate.Limiter
		if r.Method == "POST" && r.URL.Path == "/pay" {
			limiter = rl.pay.getLimiter(ip)
		} else {
			limiter = rl.general.getLimiter(ip)
		}

		if !limiter.Allow() {
			logging.HTTP.Printf("rate limit exceeded for %s on %s %s", ip, r.Method, r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Stop releases the limiter's background goroutines.
func (rl *RateLimiter) Stop() {
	rl.general.Stop()
	rl.pay.Stop()
}

// extractIP gets the client IP from the request, checking X-Forwarded-For for proxied requests.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP (original client)
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// RemoteAddr is in the form "IP:port", so strip the port
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
