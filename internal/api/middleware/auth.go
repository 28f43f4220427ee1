package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Auth validates a static API key from the Authorization bearer header or
// the x-api-key header. With no keys configured the middleware is a no-op.
func Auth(keys []string) gin.HandlerFunc {
	if len(keys) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		presented := c.GetHeader("x-api-key")
		if presented == "" {
			header := c.GetHeader("Authorization")
			presented = strings.TrimPrefix(header, "Bearer ")
		}

		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"message": "invalid or missing API key",
				"type":    "authentication_error",
			},
		})
		c.Abort()
	}
}
