package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"msgcommerce-backend/config"
)

// ConnectRedis builds the shared Redis client from a redis:// or rediss:// URL.
// An empty URL returns nil: rate limits then run on the local store and
// idempotency is disabled. A failed ping is logged, not fatal.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*redis.Client, error) {
	if cfg.URL == "" {
		log.Warn().Msg("redis url not configured, running with local rate limits and no idempotency cache")
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.OpTimeout > 0 {
		opts.ReadTimeout = cfg.OpTimeout
		opts.WriteTimeout = cfg.OpTimeout
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed, continuing with fallbacks")
	}
	return client, nil
}
