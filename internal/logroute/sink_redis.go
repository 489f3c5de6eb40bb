package logroute

import (
	"context"

	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/infra"
)

// redisSink pushes jsonl batches onto a capped Redis list so external
// collectors can drain them. The adapter trims the list to maxLen on
// every push; the oldest entries fall off first.
type redisSink struct {
	rdb *infra.RedisAdapter
	cfg config.SinkRedisConfig
	enc codec
}

func newRedisSink(rdb *infra.RedisAdapter, cfg config.SinkRedisConfig) *redisSink {
	return &redisSink{rdb: rdb, cfg: cfg, enc: jsonlCodec{}}
}

func (s *redisSink) name() string { return SinkRedis }
func (s *redisSink) codec() codec { return s.enc }

func (s *redisSink) write(ctx context.Context, lines [][]byte) error {
	return s.rdb.PushBatch(ctx, s.cfg.ListKey, lines, s.cfg.MaxLen)
}

func (s *redisSink) close() error { return nil }
