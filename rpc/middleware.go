package rpc

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/eth2030/keymanager/log"
)

// HTTPMiddleware is a function that wraps an http.Handler.
type HTTPMiddleware func(http.Handler) http.Handler

// MiddlewareChain composes middleware around handler. The first middleware
// in the list is the outermost.
func MiddlewareChain(handler http.Handler, middlewares ...HTTPMiddleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// --- CORS ---

// CORSConfig holds the configuration for CORS middleware.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int // seconds
}

// DefaultCORSConfig allows any origin to POST JSON.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         3600,
	}
}

// CORSMiddleware sets CORS headers and answers preflight requests.
func CORSMiddleware(config CORSConfig) HTTPMiddleware {
	methods := strings.Join(config.AllowedMethods, ", ")
	headers := strings.Join(config.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && corsOriginAllowed(origin, config.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else if origin == "" && corsOriginAllowed("*", config.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if config.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func corsOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// --- JWT auth ---

// DefaultMaxTokenAge bounds how far a token's iat may be from now.
const DefaultMaxTokenAge = 60 * time.Second

var (
	errMissingToken = errors.New("missing bearer token")
	errStaleToken   = errors.New("token issued-at outside allowed window")
)

// AuthConfig configures bearer token authentication. Tokens are HS256 JWTs
// signed with Secret whose iat claim lies within MaxAge of now.
type AuthConfig struct {
	Secret []byte
	MaxAge time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// AuthMiddleware rejects requests without a valid bearer token. An empty
// secret disables authentication.
func AuthMiddleware(config AuthConfig) HTTPMiddleware {
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxTokenAge
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return func(next http.Handler) http.Handler {
		if len(config.Secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := verifyToken(config, r.Header.Get("Authorization")); err != nil {
				log.Default().Module("rpc").Debug("Rejected unauthenticated request", "remote", r.RemoteAddr, "err", err)
				http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func verifyToken(config AuthConfig, header string) error {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return errMissingToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return config.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(config.Now))
	if err != nil {
		return err
	}
	if claims.IssuedAt == nil {
		return errStaleToken
	}
	skew := config.Now().Sub(claims.IssuedAt.Time)
	if skew > config.MaxAge || skew < -config.MaxAge {
		return errStaleToken
	}
	return nil
}

// NewToken signs an HS256 token issued at now. Clients and tests use it.
func NewToken(secret []byte, now time.Time) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		IssuedAt: jwt.NewNumericDate(now),
	})
	return tok.SignedString(secret)
}

// --- Request ids and logging ---

type requestIDKey struct{}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// RequestIDFromContext returns the id assigned by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDMiddleware assigns every request an id, reusing the client's one
// when present, and echoes it in the response.
func RequestIDMiddleware() HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs every request at debug level.
func LoggingMiddleware(logger *log.Logger) HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.DebugContext(r.Context(), "Served HTTP request",
				"id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.statusCode,
				"remote", extractClientIP(r),
				"elapsed", time.Since(start))
		})
	}
}

// --- Rate limiting ---

// tokenBucket implements a simple token bucket for rate limiting.
type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(rate, burst int, now time.Time) *tokenBucket {
	c := float64(rate * burst)
	return &tokenBucket{tokens: c, capacity: c, refillRate: float64(rate), lastRefill: now}
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per client IP. Zero disables
	// the limiter.
	RequestsPerSecond int
	// Burst scales the bucket capacity.
	Burst int
}

// RateLimitMiddleware limits requests per client IP with a token bucket.
func RateLimitMiddleware(config RateLimitConfig) HTTPMiddleware {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*tokenBucket)
	)
	return func(next http.Handler) http.Handler {
		if config.RequestsPerSecond <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, now := extractClientIP(r), time.Now()
			mu.Lock()
			b, ok := buckets[ip]
			if !ok {
				b = newTokenBucket(config.RequestsPerSecond, config.Burst, now)
				buckets[ip] = b
			}
			allowed := b.allow(now)
			mu.Unlock()
			if !allowed {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractClientIP extracts the client IP from a request, checking
// X-Forwarded-For and X-Real-IP headers first.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx > 0 {
		return addr[:idx]
	}
	return addr
}
