package store

import (
	"context"
	"fzorch/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RedisParams struct {
	fx.In

	Config *config.AppConfig
	Logger *zap.Logger
}

// NewRedisClient wires the optional metrics snapshot sink: when configured,
// the metrics registry mirrors each task's latest collected metric
// sample there so an external dashboard can read it without talking to the
// orchestrator process directly. Returns a nil client (no error) when no
// REDIS_URL is configured.
func NewRedisClient(p RedisParams) (*redis.Client, error) {
	if p.Config.RedisUrl == "" {
		p.Logger.Debug("no REDIS_URL configured, metrics snapshots stay in-process only")
		return nil, nil
	}

	options, err := redis.ParseURL(p.Config.RedisUrl)
	if err != nil {
		p.Logger.Error("failed to parse REDIS_URL", zap.Error(err))
		return nil, err
	}
	client := redis.NewClient(options)

	if err := client.Ping(context.Background()).Err(); err != nil {
		p.Logger.Error("failed to reach metrics snapshot sink, continuing without it", zap.Error(err))
		return nil, nil
	}

	p.Logger.Debug("metrics snapshot sink connected")
	return client, nil
}
