package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/renderd/internal/pool"
)

// PoolHandler exposes the pool's status and maintenance operations.
type PoolHandler struct {
	log  *zap.Logger
	pool *pool.Pool
}

// NewPoolHandler constructs a PoolHandler instance.
func NewPoolHandler(log *zap.Logger, p *pool.Pool) *PoolHandler {
	return &PoolHandler{
		log:  log.Named("pool"),
		pool: p,
	}
}

// GetStatus reports the live pool snapshot.
func (h *PoolHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Status())
}

// Warmup triggers an immediate pre-warm toward the configured minimum.
// Creation failures are reflected in the returned snapshot's error
// counter, not in the response status.
func (h *PoolHandler) Warmup(c *gin.Context) {
	h.pool.WarmUp(c.Request.Context())
	c.JSON(http.StatusOK, h.pool.Status())
}
