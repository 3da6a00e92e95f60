// Package backbone picks the gateway backbone for the configured deployment
package backbone

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/backbone/memory"
	redisbackbone "github.com/tumkoussekya/studio-sub000/internal/infrastructure/backbone/redis"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
)

// Factory creates the backbone with fallback to memory when Redis is
// configured but unreachable
type Factory struct {
	useRedis    bool
	redisClient *goredis.Client
	retained    int
	logger      *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) *Factory {
	factory := &Factory{
		useRedis: cfg.Redis.Enabled,
		retained: cfg.Realtime.HistoryDepth,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisbackbone.NewClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory backbone",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis backbone")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory backbone, gateway runs as a single instance")
	}
	return factory
}

func (f *Factory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// CreateBackbone returns a backbone owning the factory's Redis connection.
// Closing it closes the connection.
func (f *Factory) CreateBackbone() ports.Backbone {
	if f.UsesRedis() {
		return redisbackbone.NewBackbone(f.redisClient, f.retained, f.logger)
	}
	return memory.NewBackbone(f.retained)
}

// HealthCheck checks Redis connection health
func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
