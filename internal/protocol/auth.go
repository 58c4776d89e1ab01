package protocol

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuthMiddleware validates the operator bearer token configured via
// HubConfig.AuthToken. The token is required at startup
// (internal/config.Load calls requireEnv), so an empty token here only
// ever means misconfiguration, never an intentional opt-out.
func BearerAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    CodeUnauthorized,
				"message": "missing Authorization header",
				"hint":    "use: Authorization: Bearer <token>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"code": CodeUnauthorized, "message": "invalid Authorization header format"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"code": CodeUnauthorized, "message": "invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
