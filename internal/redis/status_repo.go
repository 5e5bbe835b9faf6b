package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/renderd/internal/pool"
	"github.com/edirooss/renderd/internal/resource"
)

var (
	poolStatusKey     = "renderd:pool:status"
	latestSampleKey   = "renderd:resources:latest"
	recommendationKey = "renderd:resources:recommendation"
	statusChannel     = "renderd:status"
)

// snapshotTTL keeps stale snapshots from outliving a dead daemon.
const snapshotTTL = 2 * time.Minute

// StatusRepository mirrors daemon state into Redis for external dashboards.
// All writes are best-effort: a Redis outage degrades visibility, never
// pool operation.
type StatusRepository struct {
	client *Client
	log    *zap.Logger

	pool *pool.Pool
	ctrl *resource.Controller
}

// NewStatusRepository initializes a StatusRepository over a daemon's pool
// and resource controller.
func NewStatusRepository(log *zap.Logger, client *Client, p *pool.Pool, c *resource.Controller) *StatusRepository {
	return &StatusRepository{
		client: client,
		log:    log.Named("status_repo"),
		pool:   p,
		ctrl:   c,
	}
}

// Publish writes one snapshot of all state keys and notifies subscribers.
func (r *StatusRepository) Publish(ctx context.Context) error {
	status, err := json.Marshal(r.pool.Status())
	if err != nil {
		return fmt.Errorf("encode pool status: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, poolStatusKey, status, snapshotTTL)

	if s, ok := r.ctrl.LatestSample(); ok {
		sample, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode sample: %w", err)
		}
		pipe.Set(ctx, latestSampleKey, sample, snapshotTTL)
	}

	rec, err := json.Marshal(r.ctrl.Recommendations())
	if err != nil {
		return fmt.Errorf("encode recommendation: %w", err)
	}
	pipe.Set(ctx, recommendationKey, rec, snapshotTTL)
	pipe.Publish(ctx, statusChannel, status)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Run publishes snapshots on the given interval until ctx ends. Failures
// are logged and the loop keeps going.
func (r *StatusRepository) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Publish(ctx); err != nil {
				r.log.Warn("status publish failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
