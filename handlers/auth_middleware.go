package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// OpsAuthMiddleware guards the operator endpoints with an HS256 bearer token.
type OpsAuthMiddleware struct {
	Secret []byte
}

func NewOpsAuthMiddleware(secret string) *OpsAuthMiddleware {
	return &OpsAuthMiddleware{Secret: []byte(secret)}
}

// RequireToken validates the Authorization header and stores the subject claim
// in the request context.
func (m *OpsAuthMiddleware) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}
		raw := strings.TrimPrefix(authHeader, "Bearer ")
		if raw == authHeader {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must be a Bearer token"})
			c.Abort()
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.Secret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims["sub"].(string); sub != "" {
				c.Set("operator", sub)
			}
		}
		c.Next()
	}
}
