// Package cache provides an optional Redis lookup cache in front of the
// ledger. Reaction events resolve conversions by two different keys (the
// original message id and the bot's reply id), so both are cached. The cache
// is best-effort: a miss or a Redis failure falls through to Postgres.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/relink/ledger"
)

const (
	originalPrefix = "conv:orig:"
	replyPrefix    = "conv:reply:"
)

// Cache caches conversions in Redis.
type Cache struct {
	cli *redis.Client
	ttl time.Duration
}

// Connect connects to the Redis server and pings it to ensure the connection
// is working.
func Connect(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{cli: cli, ttl: ttl}, nil
}

// Close releases the client connection.
func (c *Cache) Close() error { return c.cli.Close() }

// Put stores a conversion under both its original and reply message id.
func (c *Cache) Put(ctx context.Context, conv *ledger.Conversion) error {
	payload, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversion: %w", err)
	}
	pipe := c.cli.TxPipeline()
	pipe.Set(ctx, originalPrefix+conv.OriginalMessageID, payload, c.ttl)
	pipe.Set(ctx, replyPrefix+conv.ReplyMessageID, payload, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache put %s: %w", conv.OriginalMessageID, err)
	}
	return nil
}

func (c *Cache) get(ctx context.Context, key string) (*ledger.Conversion, error) {
	raw, err := c.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	var conv ledger.Conversion
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal cached conversion: %w", err)
	}
	return &conv, nil
}

// GetByOriginal returns the cached conversion for an original message id, or
// nil on a miss.
func (c *Cache) GetByOriginal(ctx context.Context, originalMessageID string) (*ledger.Conversion, error) {
	return c.get(ctx, originalPrefix+originalMessageID)
}

// GetByReply returns the cached conversion for a reply message id, or nil on
// a miss.
func (c *Cache) GetByReply(ctx context.Context, replyMessageID string) (*ledger.Conversion, error) {
	return c.get(ctx, replyPrefix+replyMessageID)
}

// Invalidate drops both keys of a conversion. Called after a revert, delete,
// or re-record so stale revert state never serves from cache.
func (c *Cache) Invalidate(ctx context.Context, originalMessageID, replyMessageID string) error {
	keys := []string{originalPrefix + originalMessageID}
	if replyMessageID != "" {
		keys = append(keys, replyPrefix+replyMessageID)
	}
	if err := c.cli.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", originalMessageID, err)
	}
	return nil
}
