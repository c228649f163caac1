// Package rediscache keeps the latest order book per instrument in Redis.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/persistence"
)

// Config holds Redis connection settings
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NewClient creates a go-redis client and pings it
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// KV is the subset of the go-redis client the cache needs
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// BookCache implements persistence.BookCache
type BookCache struct {
	kv  KV
	ttl time.Duration
}

var _ persistence.BookCache = (*BookCache)(nil)

// NewBookCache stores books under book:{platform}:{symbol} for ttl
func NewBookCache(kv KV, ttl time.Duration) *BookCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &BookCache{kv: kv, ttl: ttl}
}

// Key is the cache key of an instrument
func Key(p market.Platform, s market.Symbol) string {
	return "book:" + p.String() + ":" + s.String()
}

func (c *BookCache) Put(ctx context.Context, ob *market.Orderbook) error {
	b, err := json.Marshal(ob)
	if err != nil {
		return fmt.Errorf("marshal book: %w", err)
	}
	if err := c.kv.Set(ctx, Key(ob.Platform, ob.Symbol), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache book %s: %w", Key(ob.Platform, ob.Symbol), err)
	}
	return nil
}

func (c *BookCache) Get(ctx context.Context, p market.Platform, s market.Symbol) (*market.Orderbook, error) {
	raw, err := c.kv.Get(ctx, Key(p, s)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read book %s: %w", Key(p, s), err)
	}
	var ob market.Orderbook
	if err := json.Unmarshal(raw, &ob); err != nil {
		return nil, fmt.Errorf("decode cached book: %w", err)
	}
	return &ob, nil
}
