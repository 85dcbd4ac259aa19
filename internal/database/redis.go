package database

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/config"
	"github.com/ruralpay/cardengine/internal/logger"
)

// InitRedis connects to Redis. It returns nil when Redis is unreachable so the
// engine can fall back to in-process challenge storage and locking.
func InitRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Log.Warn("Redis connection failed, continuing without Redis", zap.Error(err))
		rdb.Close()
		return nil
	}

	logger.Log.Info("Redis connection established", zap.String("addr", cfg.Addr()))
	return rdb
}
