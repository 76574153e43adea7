package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
)

const (
	// ReviewerKey is the gin context key holding the authenticated reviewer
	ReviewerKey = "reviewer"

	reviewerRole = "reviewer"
	tokenIssuer  = "judge-consensus"
)

// ReviewerClaims identify a human reviewer allowed to resolve tickets
type ReviewerClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ReviewerAuth issues and checks HS256 reviewer tokens
type ReviewerAuth struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewReviewerAuth creates an authenticator. With an empty secret every
// token is rejected.
func NewReviewerAuth(secret string, ttl time.Duration) *ReviewerAuth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReviewerAuth{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether a signing secret is configured
func (a *ReviewerAuth) Enabled() bool {
	return len(a.secret) > 0
}

// GenerateToken signs a token for reviewer
func (a *ReviewerAuth) GenerateToken(reviewer string) (string, error) {
	if !a.Enabled() {
		return "", errors.NewConfigurationError("reviewer secret is not configured", nil)
	}
	if strings.TrimSpace(reviewer) == "" {
		return "", errors.NewValidationError("reviewer must not be empty")
	}

	now := a.now()
	claims := ReviewerClaims{
		Role: reviewerRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   reviewer,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return token, nil
}

// ValidateToken returns the reviewer a token was issued to
func (a *ReviewerAuth) ValidateToken(tokenString string) (string, error) {
	if !a.Enabled() {
		return "", errors.NewAuthenticationError("reviewer authentication is not configured", nil)
	}

	claims := &ReviewerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", errors.NewAuthenticationError("invalid reviewer token", err)
	}
	if !token.Valid || claims.Role != reviewerRole || claims.Subject == "" {
		return "", errors.NewAuthenticationError("invalid reviewer token", nil)
	}
	return claims.Subject, nil
}

// Middleware requires "Authorization: Bearer <token>" and stores the
// reviewer under ReviewerKey
func (a *ReviewerAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abortUnauthorized(c, errors.NewAuthenticationError("missing bearer token", nil))
			return
		}

		reviewer, err := a.ValidateToken(strings.TrimSpace(token))
		if err != nil {
			abortUnauthorized(c, errors.ToAppError(err))
			return
		}

		c.Set(ReviewerKey, reviewer)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, appErr *errors.AppError) {
	c.Header("WWW-Authenticate", `Bearer realm="reviewers"`)
	errors.LogError(c, appErr)
	c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
}
