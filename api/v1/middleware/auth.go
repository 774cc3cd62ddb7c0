package middleware

import (
	"strings"

	"flowfleet/internal/auth"
	"flowfleet/internal/httpx"

	"github.com/gin-gonic/gin"
)

// NodeAuthRequired validates the node credential token on fleet endpoints
func NodeAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httpx.FailErr(c, httpx.ErrUnauthorized("missing authorization header"))
			c.Abort()
			return
		}

		// Check Bearer prefix
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httpx.FailErr(c, httpx.ErrUnauthorized("invalid authorization header format"))
			c.Abort()
			return
		}

		if err := auth.ValidateNodeToken(parts[1]); err != nil {
			httpx.FailErr(c, httpx.ErrInvalidToken("invalid token"))
			c.Abort()
			return
		}

		c.Next()
	}
}

// BearerToken extracts the raw token from the Authorization header
func BearerToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}
