package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tidal-guard/internal/common/logging"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs every request with method, path, status and
// duration, tagging it with a request id.
func LoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			ctx := logging.ContextWithOperationID(r.Context(), requestID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			fields := []logging.Field{
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", wrapped.statusCode),
				logging.Int64("duration_ms", time.Since(start).Milliseconds()),
				logging.String("remote_addr", r.RemoteAddr),
			}
			if r.URL.RawQuery != "" {
				fields = append(fields, logging.String("query", r.URL.RawQuery))
			}

			reqLogger := logger.WithContext(ctx)
			switch {
			case wrapped.statusCode >= 500:
				reqLogger.Error("HTTP request completed", nil, fields...)
			case wrapped.statusCode >= 400:
				reqLogger.Warn("HTTP request completed", fields...)
			default:
				reqLogger.Debug("HTTP request completed", fields...)
			}
		})
	}
}

// clientLimiter hands out one token bucket per client address.
type clientLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	clients     map[string]*clientEntry
	ttl         time.Duration
	lastCleanup time.Time
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func newClientLimiter(perSecond float64) *clientLimiter {
	return &clientLimiter{
		limit:       rate.Limit(perSecond),
		burst:       max(1, int(math.Ceil(perSecond))),
		clients:     make(map[string]*clientEntry),
		ttl:         10 * time.Minute,
		lastCleanup: time.Now(),
	}
}

// reserve takes a token for key, returning how long the caller would have
// had to wait when none was available.
func (cl *clientLimiter) reserve(key string, now time.Time) (bool, time.Duration) {
	cl.mu.Lock()
	if now.Sub(cl.lastCleanup) > cl.ttl {
		cl.cleanupLocked(now)
	}
	entry, ok := cl.clients[key]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.clients[key] = entry
	}
	entry.lastUsed = now
	cl.mu.Unlock()

	res := entry.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (cl *clientLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-cl.ttl)
	for key, entry := range cl.clients {
		if entry.lastUsed.Before(cutoff) {
			delete(cl.clients, key)
		}
	}
	cl.lastCleanup = now
}

// RateLimitMiddleware rejects clients that exceed perSecond requests with
// 429 and a Retry-After header. perSecond <= 0 disables limiting.
func RateLimitMiddleware(perSecond float64) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	cl := newClientLimiter(perSecond)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, delay := cl.reserve(clientKey(r), time.Now())
			if !ok {
				retryAfter := max(1, int(math.Ceil(delay.Seconds())))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{
					Error: "rate limit exceeded",
					Type:  "overload",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey extracts the client address, preferring proxy headers.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
