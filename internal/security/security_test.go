package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSecurityConfig(t *testing.T) {
	config := DefaultSecurityConfig()

	assert.Equal(t, 120, config.MaxRequestsPerMin)
	assert.Equal(t, int64(8<<20), config.MaxBodyBytes)
	assert.Equal(t, 10*time.Minute, config.RequestTimeout)
}

func TestSecurityHeaders(t *testing.T) {
	sm := NewSecurityMiddleware(DefaultSecurityConfig())
	router := gin.New()
	router.Use(sm.SecurityHeaders)
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/swagger/index.html", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil))
	assert.Empty(t, w.Header().Get("Content-Security-Policy"))
}

func TestValidateContentType(t *testing.T) {
	sm := NewSecurityMiddleware(DefaultSecurityConfig())
	router := gin.New()
	router.Use(sm.ValidateContentType)
	router.POST("/runs", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
	}{
		{"json", "application/json", `{}`, http.StatusOK},
		{"json with charset", "application/json; charset=utf-8", `{}`, http.StatusOK},
		{"form", "application/x-www-form-urlencoded", "a=b", http.StatusUnsupportedMediaType},
		{"text", "text/plain", "hello", http.StatusUnsupportedMediaType},
		{"empty body", "", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRateLimitByIP(t *testing.T) {
	config := DefaultSecurityConfig()
	config.MaxRequestsPerMin = 1
	sm := NewSecurityMiddleware(config)

	router := gin.New()
	router.Use(sm.RateLimitByIP)
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes[w.Code]++
	}

	assert.Equal(t, 5, codes[http.StatusOK], "burst floor is 5")
	assert.Equal(t, 5, codes[http.StatusTooManyRequests])

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "limits are per IP")
}

func TestCleanupOldLimiters(t *testing.T) {
	sm := NewSecurityMiddleware(DefaultSecurityConfig())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return now }

	sm.limiterFor("192.0.2.1")
	now = now.Add(2 * time.Hour)
	sm.limiterFor("192.0.2.2")

	assert.Equal(t, 1, sm.cleanupOldLimiters())
	assert.Len(t, sm.ipLimiters, 1)
}

func TestRequestTimeout(t *testing.T) {
	config := DefaultSecurityConfig()
	config.RequestTimeout = 2 * time.Second
	sm := NewSecurityMiddleware(config)

	router := gin.New()
	router.Use(sm.RequestTimeout)
	router.GET("/slow", func(c *gin.Context) {
		deadline, ok := c.Request.Context().Deadline()
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))
	assert.Equal(t, "2", w.Header().Get("X-Timeout"))
}

func TestReviewerTokens(t *testing.T) {
	auth := NewReviewerAuth("test-secret", time.Hour)

	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	reviewer, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", reviewer)

	_, err = auth.GenerateToken(" ")
	assert.Equal(t, errors.CategoryValidation, errors.ToAppError(err).Category)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewReviewerAuth("other-secret", time.Hour).ValidateToken(token)
		assert.Equal(t, errors.CategoryAuthentication, errors.ToAppError(err).Category)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewReviewerAuth("test-secret", time.Hour)
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := later.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("wrong role", func(t *testing.T) {
		claims := ReviewerClaims{
			Role: "admin",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "mallory",
				Issuer:    tokenIssuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = auth.ValidateToken(forged)
		assert.Error(t, err)
	})

	t.Run("no secret", func(t *testing.T) {
		disabled := NewReviewerAuth("", time.Hour)
		assert.False(t, disabled.Enabled())
		_, err := disabled.GenerateToken("alice")
		assert.Error(t, err)
		_, err = disabled.ValidateToken(token)
		assert.Error(t, err)
	})
}

func TestReviewerMiddleware(t *testing.T) {
	auth := NewReviewerAuth("test-secret", time.Hour)
	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	router := gin.New()
	router.POST("/resolve", auth.Middleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ReviewerKey))
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"valid", "Bearer " + token, http.StatusOK, "alice"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized, ""},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/resolve", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			} else {
				assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
			}
		})
	}
}
