// Package redis provides Redis-backed implementations of the revocation
// status store and the challenge store for distributed deployments.
//
// The stores take a Cmdable, giving you full control over connection
// pooling, timeouts, and clustering configuration. FromGoRedis adapts a
// github.com/redis/go-redis/v9 client or cluster client.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cmdable is the subset of Redis commands the stores use.
type Cmdable interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) StatusCmd
	GetDel(ctx context.Context, key string) StringCmd
	HSet(ctx context.Context, key string, values ...any) IntCmd
	HGet(ctx context.Context, key, field string) StringCmd
	HDel(ctx context.Context, key string, fields ...string) IntCmd
	HGetAll(ctx context.Context, key string) MapStringStringCmd
	HLen(ctx context.Context, key string) IntCmd
}

// StringCmd is the interface for string command results.
type StringCmd interface {
	Result() (string, error)
}

// StatusCmd is the interface for status command results.
type StatusCmd interface {
	Err() error
}

// IntCmd is the interface for int command results.
type IntCmd interface {
	Result() (int64, error)
}

// MapStringStringCmd is the interface for map command results.
type MapStringStringCmd interface {
	Result() (map[string]string, error)
}

// FromGoRedis adapts a go-redis client to Cmdable.
func FromGoRedis(client goredis.Cmdable) Cmdable {
	return goRedis{client: client}
}

type goRedis struct {
	client goredis.Cmdable
}

func (g goRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) StatusCmd {
	return g.client.Set(ctx, key, value, expiration)
}

func (g goRedis) GetDel(ctx context.Context, key string) StringCmd {
	return g.client.GetDel(ctx, key)
}

func (g goRedis) HSet(ctx context.Context, key string, values ...any) IntCmd {
	return g.client.HSet(ctx, key, values...)
}

func (g goRedis) HGet(ctx context.Context, key, field string) StringCmd {
	return g.client.HGet(ctx, key, field)
}

func (g goRedis) HDel(ctx context.Context, key string, fields ...string) IntCmd {
	return g.client.HDel(ctx, key, fields...)
}

func (g goRedis) HGetAll(ctx context.Context, key string) MapStringStringCmd {
	return g.client.HGetAll(ctx, key)
}

func (g goRedis) HLen(ctx context.Context, key string) IntCmd {
	return g.client.HLen(ctx, key)
}

// ConnConfig holds the configuration for connecting to Redis.
type ConnConfig struct {
	// Address is the Redis server address (host:port).
	Address string

	// Password is the optional Redis password.
	Password string

	// DB is the Redis database number.
	DB int
}

// Connect opens a go-redis client and checks that the server answers.
func Connect(ctx context.Context, cfg ConnConfig, logger *zap.Logger) (*goredis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	logger.Sugar().Infow("Redis client connected", "address", cfg.Address, "db", cfg.DB)
	return client, nil
}

// isNil checks if the error is a redis.Nil error. The string check keeps
// Cmdable implementations other than go-redis working.
func isNil(err error) bool {
	return err != nil && (errors.Is(err, goredis.Nil) || err.Error() == "redis: nil")
}
