package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlo-go/parlo/pkg/core"
)

type contextKey string

const (
	// ContextKeyUserID is the context key for the authenticated user ID.
	ContextKeyUserID contextKey = "user_id"
	// ContextKeyAPIKeyName is the context key for the API key name.
	ContextKeyAPIKeyName contextKey = "api_key_name"
	// ContextKeyRequestID is the context key for the request ID.
	ContextKeyRequestID contextKey = "request_id"
)

func withIdentity(ctx context.Context, userID, keyName string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyUserID, userID)
	return context.WithValue(ctx, ContextKeyAPIKeyName, keyName)
}

// AuthMiddleware authenticates clients against the proxy's own key list.
// This is separate from the upstream key the proxy injects when forwarding.
type AuthMiddleware struct {
	keys   map[string]APIKeyConfig
	logger *slog.Logger
	mode   string
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(mode string, keys []APIKeyConfig, logger *slog.Logger) *AuthMiddleware {
	keyMap := make(map[string]APIKeyConfig, len(keys))
	for _, k := range keys {
		keyMap[k.Key] = k
	}
	if mode == "" {
		mode = "none"
	}
	return &AuthMiddleware{
		keys:   keyMap,
		logger: logger,
		mode:   mode,
	}
}

// Authenticate is the HTTP middleware handler.
func (a *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)

		switch a.mode {
		case "none":
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), "anonymous", "none")))
			return
		case "passthrough":
			// Known keys are attributed; unknown keys are rejected; no key
			// at all is let through anonymously.
			if key == "" {
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), "passthrough", "passthrough")))
				return
			}
			keyConfig, ok := a.keys[key]
			if !ok {
				writeJSONError(w, core.NewAuthenticationError("Invalid API key"), requestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), keyConfig.UserID, keyConfig.Name)))
			return
		}

		if key == "" {
			writeJSONError(w, core.NewAuthenticationError("Missing API key"), requestIDFromContext(r.Context()))
			return
		}
		keyConfig, ok := a.keys[key]
		if !ok {
			writeJSONError(w, core.NewAuthenticationError("Invalid API key"), requestIDFromContext(r.Context()))
			return
		}

		if a.logger != nil {
			a.logger.Debug("request authenticated",
				"user_id", keyConfig.UserID,
				"key_name", keyConfig.Name,
				"path", r.URL.Path,
			)
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), keyConfig.UserID, keyConfig.Name)))
	})
}

// extractAPIKey accepts either a Bearer token or the X-API-Key header, the
// same pair CreateCall clients send.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// RateLimiter provides rate limiting.
type RateLimiter struct {
	config  RateLimitConfig
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	buckets map[string]*tokenBucket

	globalMu    sync.Mutex
	globalCount int
	globalReset time.Time
}

// tokenBucket refills continuously at limit tokens per minute.
type tokenBucket struct {
	tokens     int
	lastRefill time.Time
	limit      int
}

// take refills elapsed tokens, then spends one if available.
func (b *tokenBucket) take(now time.Time) bool {
	refill := int(now.Sub(b.lastRefill).Minutes() * float64(b.limit))
	if refill > 0 {
		b.tokens = min(b.tokens+refill, b.limit)
		b.lastRefill = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimitConfig, logger *slog.Logger, metrics *Metrics) *RateLimiter {
	return &RateLimiter{
		config:      config,
		logger:      logger,
		metrics:     metrics,
		buckets:     make(map[string]*tokenBucket),
		globalReset: time.Now().Add(time.Minute),
	}
}

// RateLimit is the HTTP middleware handler.
func (rl *RateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled || (rl.config.GlobalRequestsPerMinute == 0 && rl.config.UserRequestsPerMinute == 0) {
			next.ServeHTTP(w, r)
			return
		}

		userID, _ := r.Context().Value(ContextKeyUserID).(string)
		if userID == "" {
			userID = r.RemoteAddr
		}

		if !rl.takeGlobal() {
			rl.metrics.RecordRateLimitHit(userID, "global")
			rl.writeRateLimitError(w, r.Context(), rl.config.GlobalRequestsPerMinute, rl.globalRemaining())
			return
		}
		if !rl.takeUser(userID) {
			rl.metrics.RecordRateLimitHit(userID, "user")
			rl.writeRateLimitError(w, r.Context(), rl.config.UserRequestsPerMinute, rl.userRemaining(userID))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) takeGlobal() bool {
	if rl.config.GlobalRequestsPerMinute == 0 {
		return true
	}
	rl.globalMu.Lock()
	defer rl.globalMu.Unlock()

	now := time.Now()
	if now.After(rl.globalReset) {
		rl.globalCount = 0
		rl.globalReset = now.Add(time.Minute)
	}
	if rl.globalCount >= rl.config.GlobalRequestsPerMinute {
		return false
	}
	rl.globalCount++
	return true
}

func (rl *RateLimiter) takeUser(userID string) bool {
	if rl.config.UserRequestsPerMinute == 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[userID]
	if !ok {
		bucket = &tokenBucket{
			tokens:     rl.config.UserRequestsPerMinute,
			lastRefill: time.Now(),
			limit:      rl.config.UserRequestsPerMinute,
		}
		rl.buckets[userID] = bucket
	}
	return bucket.take(time.Now())
}

func (rl *RateLimiter) secondsUntilReset() int {
	rl.globalMu.Lock()
	defer rl.globalMu.Unlock()
	return int(time.Until(rl.globalReset).Seconds())
}

func (rl *RateLimiter) writeRateLimitError(w http.ResponseWriter, ctx context.Context, limit, remaining int) {
	retryAfter := rl.secondsUntilReset()
	w.Header().Set("Content-Type", "application/json")
	if limit > 0 {
		w.Header().Set("X-RateLimit-Limit-Requests", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining-Requests", strconv.Itoa(max(remaining, 0)))
		w.Header().Set("X-RateLimit-Reset-Requests", time.Now().Add(time.Duration(retryAfter)*time.Second).Format(time.RFC3339))
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSONErrorWithStatus(w, http.StatusTooManyRequests, core.NewRateLimitError("Rate limit exceeded. Please retry after the specified time.", retryAfter), requestIDFromContext(ctx))
}

// Cleanup removes stale buckets. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for userID, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) && bucket.tokens >= bucket.limit {
			delete(rl.buckets, userID)
		}
	}
}

func (rl *RateLimiter) globalRemaining() int {
	rl.globalMu.Lock()
	defer rl.globalMu.Unlock()
	if rl.config.GlobalRequestsPerMinute == 0 {
		return 0
	}
	return rl.config.GlobalRequestsPerMinute - rl.globalCount
}

func (rl *RateLimiter) userRemaining(userID string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	bucket, ok := rl.buckets[userID]
	if !ok {
		return rl.config.UserRequestsPerMinute
	}
	return bucket.tokens
}

// LoggingMiddleware provides request logging.
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger *slog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Log is the HTTP middleware handler. It assigns every request an ID that is
// echoed in the X-Request-ID header and attached to error payloads.
func (l *LoggingMiddleware) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := "req_" + uuid.NewString()
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyRequestID, requestID))
		w.Header().Set("X-Request-ID", requestID)

		rw := NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		if l.logger != nil {
			l.logger.Info("request completed",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.StatusCode,
				"bytes", rw.BytesWritten,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	})
}

// CORSMiddleware adds CORS headers.
type CORSMiddleware struct {
	allowedOrigins []string
}

// NewCORSMiddleware creates a new CORS middleware.
func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &CORSMiddleware{allowedOrigins: allowedOrigins}
}

func (c *CORSMiddleware) originAllowed(origin string) bool {
	for _, o := range c.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Handle is the HTTP middleware handler.
func (c *CORSMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if c.originAllowed(origin) {
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestBodyLimitMiddleware enforces a maximum request body size.
type RequestBodyLimitMiddleware struct {
	maxBytes int64
}

// NewRequestBodyLimitMiddleware creates a new body size limit middleware.
func NewRequestBodyLimitMiddleware(maxBytes int64) *RequestBodyLimitMiddleware {
	return &RequestBodyLimitMiddleware{maxBytes: maxBytes}
}

// Limit applies the request body size limit.
func (m *RequestBodyLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, m.maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware recovers from panics.
type RecoveryMiddleware struct {
	logger  *slog.Logger
	metrics *Metrics
}

// NewRecoveryMiddleware creates a new recovery middleware.
func NewRecoveryMiddleware(logger *slog.Logger, metrics *Metrics) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger, metrics: metrics}
}

// Recover is the HTTP middleware handler.
func (rm *RecoveryMiddleware) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if rm.logger != nil {
				rm.logger.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
				)
			}
			if rm.metrics != nil {
				rm.metrics.RecordError("panic")
			}
			writeJSONErrorWithStatus(w, http.StatusInternalServerError, core.NewAPIError("Internal server error"), requestIDFromContext(r.Context()))
		}()
		next.ServeHTTP(w, r)
	})
}
