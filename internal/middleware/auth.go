package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"vending-controller/internal/auth"
)

const operatorContextKey = "operator"

func OperatorFromContext(c *gin.Context) (string, bool) {
	operator, ok := c.Get(operatorContextKey)
	if !ok {
		return "", false
	}
	value, ok := operator.(string)
	return value, ok && value != ""
}

// RequireAuth accepts a bearer token minted for scope. An empty scope accepts
// any valid token.
func RequireAuth(cfg auth.TokenConfig, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}
		if scope != "" && claims.Scope != scope {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient scope"})
			return
		}

		c.Set(operatorContextKey, claims.Operator)
		c.Next()
	}
}
