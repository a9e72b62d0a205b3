package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"classroom-chat/internal/auth"
)

// Context keys set by AuthMiddleware.
const (
	UserIDKey   = "userID"
	IdentityKey = "identity"
)

// AuthMiddleware resolves the bearer token through the identity gate.
func AuthMiddleware(gate auth.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		identity, err := gate.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Set(IdentityKey, identity)
		c.Next()
	}
}
