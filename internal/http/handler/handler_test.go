package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/renderd/internal/pool"
	"github.com/edirooss/renderd/internal/resource"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type noLeases struct{}

func (noLeases) ActiveLeases() int { return 0 }
func (noLeases) Total() int        { return 0 }

func newTestController(t *testing.T, stats resource.SystemStats) *resource.Controller {
	t.Helper()
	return resource.NewController(zap.NewNop(), resource.Config{MaxPoolSize: 4},
		resource.StatsFunc(func(context.Context) (resource.SystemStats, error) {
			return stats, nil
		}), noLeases{})
}

func perform(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestPoolStatusEndpoint(t *testing.T) {
	p := pool.New(zap.NewNop(), pool.Config{}, nil, nil)
	h := NewPoolHandler(zap.NewNop(), p)

	r := gin.New()
	r.GET("/api/pool/status", h.GetStatus)

	w := perform(r, http.MethodGet, "/api/pool/status")
	require.Equal(t, http.StatusOK, w.Code)

	var st pool.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 0, st.Total)
	assert.False(t, st.ShuttingDown)
}

func TestResourceLatestBeforeAndAfterSampling(t *testing.T) {
	ctrl := newTestController(t, resource.SystemStats{MemoryUsage: 0.4})
	h := NewResourceHandler(zap.NewNop(), ctrl)

	r := gin.New()
	r.GET("/api/resources/latest", h.GetLatest)

	w := perform(r, http.MethodGet, "/api/resources/latest")
	assert.Equal(t, http.StatusNotFound, w.Code, "no samples yet")

	_, err := ctrl.SampleOnce(context.Background())
	require.NoError(t, err)

	w = perform(r, http.MethodGet, "/api/resources/latest")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sample   resource.Sample   `json:"sample"`
		Pressure resource.Pressure `json:"pressure"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0.4, body.Sample.MemoryUsage)
	assert.False(t, body.Pressure.Overall)
}

func TestResourceHistoryEndpoint(t *testing.T) {
	ctrl := newTestController(t, resource.SystemStats{MemoryUsage: 0.3})
	h := NewResourceHandler(zap.NewNop(), ctrl)

	r := gin.New()
	r.GET("/api/resources/history", h.GetHistory)

	w := perform(r, http.MethodGet, "/api/resources/history")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String(), "empty history is an empty array, not null")

	_, err := ctrl.SampleOnce(context.Background())
	require.NoError(t, err)
	_, err = ctrl.SampleOnce(context.Background())
	require.NoError(t, err)

	w = perform(r, http.MethodGet, "/api/resources/history")
	var history []resource.Sample
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 2)
}

func TestRecommendationsEndpoint(t *testing.T) {
	ctrl := newTestController(t, resource.SystemStats{MemoryUsage: 0.3})
	h := NewResourceHandler(zap.NewNop(), ctrl)

	r := gin.New()
	r.GET("/api/resources/recommendations", h.GetRecommendations)

	_, err := ctrl.SampleOnce(context.Background())
	require.NoError(t, err)

	w := perform(r, http.MethodGet, "/api/resources/recommendations")
	require.Equal(t, http.StatusOK, w.Code)

	var rec resource.Recommendation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.GreaterOrEqual(t, rec.OptimalPoolSize, 1)
}

func TestDegradationResetEndpoint(t *testing.T) {
	// CPU above critical: sampling enables throttling.
	ctrl := newTestController(t, resource.SystemStats{CPUUsage: 0.99})
	h := NewResourceHandler(zap.NewNop(), ctrl)

	r := gin.New()
	r.POST("/api/resources/degradation/reset", h.ResetDegradation)

	_, err := ctrl.SampleOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ctrl.Degradation().Status().RequestThrottlingEnabled)

	w := perform(r, http.MethodPost, "/api/resources/degradation/reset")
	require.Equal(t, http.StatusOK, w.Code)

	var st resource.DegradationStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.False(t, st.RequestThrottlingEnabled)
	assert.False(t, ctrl.Degradation().Status().RequestThrottlingEnabled)
}
