package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Auth validates the caller's bearer token before a download job may
// start. An empty configured token disables the check entirely; full
// identity management lives in an external service, this is only the
// gate in front of job creation.
func Auth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		provided := strings.TrimPrefix(header, "Bearer ")
		if header == "" || provided == header || provided != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing credentials",
			})
			return
		}
		c.Next()
	}
}
