package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edirooss/renderd/internal/resource"
)

// Throttle returns a Gin middleware that rejects requests with HTTP 429
// while pressure-driven request throttling is active. A pass-through when
// throttling is off, so it can stay installed on every route.
func Throttle(degr *resource.Degradation) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !degr.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "request throttled due to resource pressure",
			})
			return
		}
		c.Next()
	}
}
