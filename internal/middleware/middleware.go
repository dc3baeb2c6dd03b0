package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"caption-server/internal/domain"
)

// ============================================================================
// Request ID Middleware
// ============================================================================

// RequestIDKey is the context key for request ID
type contextKey string

const RequestIDKey contextKey = "request_id"

// RequestID adds a unique request ID to each request
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check for existing request ID in header
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			w.Header().Set("X-Request-ID", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID extracts request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ============================================================================
// Error Envelope
// ============================================================================

// WriteError renders err as the JSON error envelope used outside the stream.
func WriteError(w http.ResponseWriter, r *http.Request, err *domain.AppError) {
	if r != nil {
		if id := GetRequestID(r.Context()); id != "" {
			err = err.WithRequestID(id)
		}
	}

	errType := "invalid_request_error"
	if err.StatusCode >= 500 {
		errType = "server_error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(domain.ErrorResponse{
		Error: domain.ErrorDetail{
			Message: err.Message,
			Type:    errType,
			Code:    string(err.Code),
		},
	})
}

// ============================================================================
// Rate Limiting Middleware (Token Bucket)
// ============================================================================

// RateLimiterInterface defines the contract for rate limiters.
// Both in-memory and Redis implementations satisfy this interface.
type RateLimiterInterface interface {
	Allow() bool
}

// KeyedRateLimiter limits per client instead of globally.
type KeyedRateLimiter interface {
	AllowKey(key string) bool
}

// RateLimiter implements token bucket rate limiting
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond int, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(requestsPerSecond),
		lastRefill: time.Now(),
	}
}

// Allow checks if a request is allowed
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// RateLimit creates rate limiting middleware
func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	return RateLimitWithInterface(limiter)
}

// RateLimitWithInterface creates rate limiting middleware with any RateLimiterInterface.
// Limiters that also implement KeyedRateLimiter are keyed by client IP.
func RateLimitWithInterface(limiter RateLimiterInterface) func(http.Handler) http.Handler {
	keyed, perClient := limiter.(KeyedRateLimiter)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var allowed bool
			if perClient {
				allowed = keyed.AllowKey(ClientIP(r))
			} else {
				allowed = limiter.Allow()
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				WriteError(w, r, domain.ErrRateLimit("Rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Recovery Middleware (Panic Handler)
// ============================================================================

// Recovery catches panics and returns 500
func Recovery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					Logger.Error("panic recovered",
						slog.String("request_id", GetRequestID(r.Context())),
						slog.Any("error", err),
						slog.String("stack", string(debug.Stack())),
					)
					WriteError(w, r, domain.ErrInternal("Internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// CORS Middleware
// ============================================================================

// CORS adds CORS headers
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	isAllowed := func(origin string) bool {
		if allowAll {
			return true
		}
		for _, allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && isAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Logging Middleware
// ============================================================================

// responseWriter wraps http.ResponseWriter to capture status code. Unwrap
// lets http.ResponseController reach the underlying Flusher for streams.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// ClientIP returns the first X-Forwarded-For hop, else the remote host.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx != -1 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Logging logs request details using slog. For streaming responses the
// entry is written when the stream ends.
func Logging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
			attrs := []any{
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("trace_id", GetTraceID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
				slog.Float64("latency_ms", latencyMs),
				slog.String("client_ip", ClientIP(r)),
				slog.String("user_agent", r.UserAgent()),
				slog.Int64("bytes_written", wrapped.written),
			}

			switch {
			case wrapped.statusCode >= 500:
				Logger.Error("request completed", attrs...)
			case wrapped.statusCode >= 400:
				Logger.Warn("request completed", attrs...)
			default:
				Logger.Info("request completed", attrs...)
			}
		})
	}
}

// ============================================================================
// Max Body Size Middleware
// ============================================================================

// MaxBodySize limits request body size
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteError(w, r, domain.ErrRequestTooLarge("Request body too large"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Chain combines multiple middleware
// ============================================================================

// Chain combines middleware in order
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
