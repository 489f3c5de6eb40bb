// Package infra provides the Redis adapter shared by the log sink, the
// alert fan-out and the operator response channel. When no Redis
// address is configured the daemon runs without it and the consumers
// degrade to their file-only paths.
package infra

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/config"
)

// RedisAdapter wraps go-redis v9 behind the few operations the control
// plane needs: bounded list appends, channel publish and subscribe.
type RedisAdapter struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisAdapter connects and verifies the connection with a ping.
func NewRedisAdapter(cfg config.RedisConfig, log zerolog.Logger) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, buserr.Wrap(buserr.ResourceExhausted, "redis.connect", err)
	}

	l := log.With().Str("component", "redis").Logger()
	l.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("redis connected")
	return &RedisAdapter{rdb: rdb, log: l}, nil
}

// Close shuts down the underlying client.
func (a *RedisAdapter) Close() error {
	return a.rdb.Close()
}

// Ping reports connection health for /status.
func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// PushBatch appends values to a list and trims it to the newest maxLen
// entries. One round trip via pipeline.
func (a *RedisAdapter) PushBatch(ctx context.Context, key string, values [][]byte, maxLen int64) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	pipe := a.rdb.Pipeline()
	pipe.RPush(ctx, key, args...)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, -maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "redis.push", err)
	}
	return nil
}

// Publish sends one message to a pub/sub channel.
func (a *RedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	if err := a.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return buserr.Wrap(buserr.ResourceExhausted, "redis.publish", err)
	}
	return nil
}

// Subscribe registers a handler for one pub/sub channel and returns an
// unsubscribe function. The handler runs on a dedicated goroutine.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, buserr.Wrap(buserr.ResourceExhausted, "redis.subscribe", err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
