package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/edirooss/renderd/internal/resource"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func throttledRouter(degr *resource.Degradation) *gin.Engine {
	r := gin.New()
	r.Use(Throttle(degr))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r *gin.Engine) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	return w.Code
}

func TestThrottlePassThroughWhenInactive(t *testing.T) {
	degr := resource.NewDegradation(zap.NewNop(), 1, 1)
	r := throttledRouter(degr)

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, get(r))
	}
}

func TestThrottleShedsLoadWhenActive(t *testing.T) {
	degr := resource.NewDegradation(zap.NewNop(), 1, 2)
	degr.EnableRequestThrottling()
	r := throttledRouter(degr)

	assert.Equal(t, http.StatusOK, get(r))
	assert.Equal(t, http.StatusOK, get(r))
	assert.Equal(t, http.StatusTooManyRequests, get(r), "burst exhausted")

	degr.Reset()
	assert.Equal(t, http.StatusOK, get(r))
}
