package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfabric/datacore/internal/model"
)

const keyPrefix = "datacore:"

// RedisConfig configures the Redis snapshot mirror.
type RedisConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

// RedisMirror replicates cache snapshots into Redis as JSON values so
// out-of-process readers (dashboards, tooling) can inspect live state
// without touching the engine.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror connects the mirror. The connection is verified eagerly
// so a misconfigured address fails at startup, not on the hot path.
func NewRedisMirror(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisMirror{client: client, ttl: cfg.TTL}, nil
}

func (m *RedisMirror) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, key, data, m.ttl).Err()
}

func (m *RedisMirror) WriteQuote(ctx context.Context, q model.QuoteTick) error {
	return m.set(ctx, keyPrefix+"quote:"+q.InstrumentID.String(), q)
}

func (m *RedisMirror) WriteTrade(ctx context.Context, t model.TradeTick) error {
	return m.set(ctx, keyPrefix+"trade:"+t.InstrumentID.String(), t)
}

func (m *RedisMirror) WriteBook(ctx context.Context, u model.BookUpdate) error {
	return m.set(ctx, keyPrefix+"book:"+u.InstrumentID.String(), u)
}

func (m *RedisMirror) WriteBar(ctx context.Context, b model.Bar) error {
	return m.set(ctx, keyPrefix+"bar:"+b.Type.String(), b)
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
