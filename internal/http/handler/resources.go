package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/renderd/internal/resource"
)

// ResourceHandler exposes the resource controller's samples, pressure
// state, and degradation controls.
type ResourceHandler struct {
	log  *zap.Logger
	ctrl *resource.Controller
}

// NewResourceHandler constructs a ResourceHandler instance.
func NewResourceHandler(log *zap.Logger, c *resource.Controller) *ResourceHandler {
	return &ResourceHandler{
		log:  log.Named("resources"),
		ctrl: c,
	}
}

// GetLatest reports the newest sample plus its pressure evaluation.
// Returns 404 until the first sample lands.
func (h *ResourceHandler) GetLatest(c *gin.Context) {
	s, ok := h.ctrl.LatestSample()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "no samples yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sample":   s,
		"pressure": h.ctrl.CheckPressure(),
	})
}

// GetHistory reports retained samples, oldest first.
func (h *ResourceHandler) GetHistory(c *gin.Context) {
	history := h.ctrl.SampleHistory()
	if history == nil {
		history = []resource.Sample{}
	}
	c.JSON(http.StatusOK, history)
}

// GetRecommendations reports the sizing recommendation snapshot.
func (h *ResourceHandler) GetRecommendations(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Recommendations())
}

// ResetDegradation reverses all active degradation flags.
func (h *ResourceHandler) ResetDegradation(c *gin.Context) {
	h.ctrl.Degradation().Reset()
	c.JSON(http.StatusOK, h.ctrl.Degradation().Status())
}
