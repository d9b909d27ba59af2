// Package redis provides the Redis-backed infrastructure for the pipeline:
// the durable stream event bus, webhook delivery deduplication, and the
// encrypted token store.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"github.com/areahq/area-pipeline/internal/config"
	"github.com/areahq/area-pipeline/internal/logger"
)

// ConnectWithRetry establishes a Redis connection with exponential backoff.
// It retries failed attempts for up to 5 minutes, starting with 5 second
// intervals, to ride out Redis unavailability during startup.
func ConnectWithRetry(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*redis.Client, error) {
	var client *redis.Client

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			log.Warn(ctx, "redis connection attempt failed, retrying", "addr", cfg.Addr, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", err)
	}

	log.Info(ctx, "connected to Redis", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}
