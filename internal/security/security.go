package security

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// SecurityConfig holds security configuration
type SecurityConfig struct {
	MaxRequestsPerMin int           `json:"max_requests_per_min"`
	MaxBodyBytes      int64         `json:"max_body_bytes"`
	RequestTimeout    time.Duration `json:"request_timeout"`
	LimiterIdleTTL    time.Duration `json:"limiter_idle_ttl"`
}

// DefaultSecurityConfig returns secure defaults
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxRequestsPerMin: 120,
		MaxBodyBytes:      8 << 20,
		RequestTimeout:    10 * time.Minute,
		LimiterIdleTTL:    time.Hour,
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SecurityMiddleware provides the API's request hardening
type SecurityMiddleware struct {
	config SecurityConfig

	mu         sync.Mutex
	ipLimiters map[string]*ipLimiter
	now        func() time.Time
}

// NewSecurityMiddleware creates a new security middleware instance
func NewSecurityMiddleware(config SecurityConfig) *SecurityMiddleware {
	return &SecurityMiddleware{
		config:     config,
		ipLimiters: make(map[string]*ipLimiter),
		now:        time.Now,
	}
}

func (sm *SecurityMiddleware) limiterFor(ip string) *rate.Limiter {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	entry, ok := sm.ipLimiters[ip]
	if !ok {
		rps := rate.Limit(float64(sm.config.MaxRequestsPerMin) / 60.0)
		// burst of half a minute's budget, at least 5
		burst := sm.config.MaxRequestsPerMin / 2
		if burst < 5 {
			burst = 5
		}
		entry = &ipLimiter{limiter: rate.NewLimiter(rps, burst)}
		sm.ipLimiters[ip] = entry
	}
	entry.lastSeen = sm.now()
	return entry.limiter
}

// RateLimitByIP implements per-IP rate limiting
func (sm *SecurityMiddleware) RateLimitByIP(c *gin.Context) {
	if !sm.limiterFor(c.ClientIP()).Allow() {
		c.Header("Retry-After", "60")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded for IP",
			"retry_after": "60",
		})
		return
	}

	c.Next()
}

// SecurityHeaders adds security headers to responses
func (sm *SecurityMiddleware) SecurityHeaders(c *gin.Context) {
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Frame-Options", "DENY")
	c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
	c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
	c.Header("Cache-Control", "no-store")

	if c.Request.TLS != nil {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// the swagger UI needs inline scripts and styles
	if !strings.HasPrefix(c.Request.URL.Path, "/swagger/") {
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	}

	c.Next()
}

// ValidateContentType rejects request bodies that are not JSON
func (sm *SecurityMiddleware) ValidateContentType(c *gin.Context) {
	if c.Request.ContentLength == 0 || c.Request.Method == http.MethodGet {
		c.Next()
		return
	}

	contentType := strings.ToLower(c.GetHeader("Content-Type"))
	if !strings.HasPrefix(contentType, "application/json") {
		c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
			"error": "unsupported content type",
		})
		return
	}

	if sm.config.MaxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, sm.config.MaxBodyBytes)
	}

	c.Next()
}

// RequestTimeout bounds the request context. Runs call evaluators with this
// context, so it caps a whole run.
func (sm *SecurityMiddleware) RequestTimeout(c *gin.Context) {
	if sm.config.RequestTimeout <= 0 {
		c.Next()
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), sm.config.RequestTimeout)
	defer cancel()

	c.Request = c.Request.WithContext(ctx)
	c.Header("X-Timeout", strconv.Itoa(int(sm.config.RequestTimeout.Seconds())))

	c.Next()
}

// Cleanup drops idle per-IP limiters every interval until ctx is done
func (sm *SecurityMiddleware) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.cleanupOldLimiters()
		}
	}
}

func (sm *SecurityMiddleware) cleanupOldLimiters() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cutoff := sm.now().Add(-sm.config.LimiterIdleTTL)
	removed := 0
	for ip, entry := range sm.ipLimiters {
		if entry.lastSeen.Before(cutoff) {
			delete(sm.ipLimiters, ip)
			removed++
		}
	}
	return removed
}
