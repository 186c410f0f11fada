package redisclient

import (
	"runtime"

	"github.com/redis/go-redis/v9"

	"github.com/ai-gateway/orchestrator/internal/config"
)

// New returns a configured go-redis v9 client, used only as an optional
// backing store for internal/cache when cache.backend is "redis". It never
// holds Job state: that stays in-memory in internal/jobmanager per the
// no-durable-job-state constraint.
func New(cfg *config.Config) *redis.Client {
	poolSize := 10 * runtime.NumCPU()
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     poolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
}
