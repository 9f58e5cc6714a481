package executor

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/TommyKammy/ai-orchestrator/pkg/api"
)

const bearerPrefix = "Bearer "

// GenerateToken signs a short-lived HS256 bearer token for the given
// subject. Used by operators and tests; production deployments mint tokens
// out of band with the same secret.
func GenerateToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// authMiddleware validates the bearer token on every /v1 route. When auth is
// disabled the request passes through untouched.
func (s *Server) authMiddleware(c *gin.Context) {
	if !s.cfg.EnableAuth {
		c.Next()
		return
	}

	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, api.NewErrorResponse("UNAUTHORIZED", "missing bearer token"))
		return
	}
	raw := strings.TrimPrefix(header, bearerPrefix)

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.cfg.JWTSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, api.NewErrorResponse("UNAUTHORIZED", "invalid or expired token"))
		return
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		if sub, _ := claims["sub"].(string); sub != "" {
			c.Set("subject", sub)
		}
	}
	c.Next()
}
