package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/api/responses"
	"github.com/inferloop/splitlab/pkg/errors"
)

// MiddlewareConfig holds configuration for all middleware
type MiddlewareConfig struct {
	EnableLogging   bool `mapstructure:"enable_logging"`
	EnableCORS      bool `mapstructure:"enable_cors"`
	EnableRateLimit bool `mapstructure:"enable_rate_limit"`
	EnableSecurity  bool `mapstructure:"enable_security"`

	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// DefaultMiddlewareConfig returns default middleware configuration
func DefaultMiddlewareConfig() *MiddlewareConfig {
	return &MiddlewareConfig{
		EnableLogging:   true,
		EnableCORS:      true,
		EnableRateLimit: false,
		EnableSecurity:  true,

		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		AllowedOrigins:    []string{"*"},
	}
}

// HTTPMetrics records per-request measurements
type HTTPMetrics interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
}

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the correlation id stored by RequestIDMiddleware
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ApplyMiddleware applies all enabled middleware to the router. The first
// middleware registered runs outermost.
func ApplyMiddleware(r *mux.Router, config *MiddlewareConfig, metrics HTTPMetrics, logger *logrus.Logger) *mux.Router {
	if config == nil {
		config = DefaultMiddlewareConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(logger))

	if config.EnableLogging {
		r.Use(LoggingMiddleware(logger))
	}
	if metrics != nil {
		r.Use(MetricsMiddleware(metrics))
	}
	if config.EnableCORS {
		r.Use(CORSMiddleware(config.AllowedOrigins))
	}
	if config.EnableSecurity {
		r.Use(SecurityMiddleware)
	}
	if config.EnableRateLimit {
		r.Use(RateLimitMiddleware(config.RateLimitRequests, config.RateLimitWindow))
	}

	return r
}

// RequestIDMiddleware propagates X-Request-ID, generating one when absent
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(responses.RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(responses.RequestIDHeader, id)
		}
		w.Header().Set(responses.RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapper, r)

			entry := logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapper.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"client_ip":   getClientIP(r),
				"request_id":  RequestID(r.Context()),
			})
			if wrapper.statusCode >= http.StatusInternalServerError {
				entry.Warn("HTTP request failed")
			} else {
				entry.Debug("HTTP request")
			}
		})
	}
}

// RecoveryMiddleware turns handler panics into 500 responses
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	writer := responses.NewJSONResponse(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(logrus.Fields{
						"panic":  rec,
						"method": r.Method,
						"path":   r.URL.Path,
					}).Error("Recovered from handler panic")
					writer.WriteError(w, r, errors.NewInternalError(fmt.Sprintf("internal server error: %v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request count and latency by route template
func MetricsMiddleware(metrics HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapper, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapper.statusCode), time.Since(start))
		})
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityMiddleware adds security headers
func SecurityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware applies a fixed window limit per client IP
func RateLimitMiddleware(requestsPerWindow int, window time.Duration) func(http.Handler) http.Handler {
	type clientWindow struct {
		requests  int
		resetTime time.Time
	}

	var mu sync.Mutex
	clients := make(map[string]*clientWindow)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)
			now := time.Now()

			mu.Lock()
			client, ok := clients[ip]
			if !ok || now.After(client.resetTime) {
				// expired windows are dropped lazily
				for k, c := range clients {
					if now.After(c.resetTime) {
						delete(clients, k)
					}
				}
				client = &clientWindow{resetTime: now.Add(window)}
				clients[ip] = client
			}
			client.requests++
			remaining := requestsPerWindow - client.requests
			reset := client.resetTime
			mu.Unlock()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerWindow))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if remaining < 0 {
				w.Header().Set("X-RateLimit-Remaining", "0")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i != -1 {
		ip = ip[:i]
	}
	return ip
}
