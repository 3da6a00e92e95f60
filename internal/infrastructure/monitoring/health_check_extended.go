package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/backbone"
)

// AddBackboneCheck reports the backbone picked by factory. A memory
// backbone is always healthy.
func (h *HealthChecker) AddBackboneCheck(factory *backbone.Factory, interval, timeout time.Duration) {
	h.AddCheck("backbone", func(ctx context.Context) error {
		if err := factory.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis backbone: %w", err)
		}
		return nil
	}, interval, timeout)
}

// AddCapacityCheck fails once count reports more than limit open sockets,
// so a load balancer stops sending new clients to a saturated instance
func (h *HealthChecker) AddCapacityCheck(name string, count func() int, limit int, interval time.Duration) {
	h.AddCheck(name, func(ctx context.Context) error {
		if limit > 0 && count() >= limit {
			return fmt.Errorf("%d open connections, limit %d", count(), limit)
		}
		return nil
	}, interval, time.Second)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Healthy()
}
