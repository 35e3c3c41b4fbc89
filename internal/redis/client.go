// Package redis provides the networked shared cache layer (L2) backed by
// a Redis-compatible service. All operations are network round-trips with
// a bounded per-call timeout; callers treat read failures as misses and
// write failures as logged no-ops.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client wraps a go-redis client with cache-layer semantics: byte payloads,
// logical key prefixing, tag set mirroring, and invalidation pub/sub.
type Client struct {
	rdb    *redis.Client
	config *Config
}

// Config holds connection settings for the shared cache layer
type Config struct {
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	PoolSize  int           `json:"pool_size"`
	OpTimeout time.Duration `json:"op_timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// NewClient connects to the shared cache service and verifies connectivity.
// A nil config or unreachable server is a startup error; the engine must
// not run without its L2 layer configured.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}
	if config.OpTimeout == 0 {
		config.OpTimeout = 3 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:    rdb,
		config: config,
	}, nil
}

// Close releases the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health verifies connectivity to the shared cache service
func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// GetBytes retrieves the raw payload for a logical key.
// Returns (nil, false, nil) when the key is absent.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	data, err := c.rdb.Get(ctx, c.dataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %q: %w", key, err)
	}
	return data, true, nil
}

// SetBytes stores a raw payload under a logical key with a physical TTL
func (c *Client) SetBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.rdb.Set(ctx, c.dataKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}

// Delete removes a logical key. Returns true if the key existed.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	n, err := c.rdb.Del(ctx, c.dataKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return n > 0, nil
}

// ScanKeysByPrefix returns all logical keys starting with the given prefix.
// This is O(total keys) on the shared layer and exists as a fallback for
// tag-scoped deletes when the tag mirror is unavailable.
func (c *Client) ScanKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	pattern := c.dataKey(prefix) + "*"
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, c.logicalKey(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys with prefix %q: %w", prefix, err)
	}
	return keys, nil
}

// Clear removes every logical key under this client's prefix
func (c *Client) Clear(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	iter := c.rdb.Scan(ctx, 0, c.config.KeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys for clear: %w", err)
	}

	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to clear keys: %w", err)
		}
	}
	return nil
}

// TagAdd mirrors a tag→key association on the shared layer so other engine
// instances can resolve tag-scoped deletes. The tag set carries its own TTL
// and is only eventually consistent.
func (c *Client) TagAdd(ctx context.Context, tag, key string, ttl time.Duration) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, c.tagKey(tag), key)
	pipe.Expire(ctx, c.tagKey(tag), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror tag %q: %w", tag, err)
	}
	return nil
}

// TagMembers returns the logical keys mirrored under a tag
func (c *Client) TagMembers(ctx context.Context, tag string) ([]string, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	keys, err := c.rdb.SMembers(ctx, c.tagKey(tag)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read tag %q: %w", tag, err)
	}
	return keys, nil
}

// TagRemoveKey removes a single key from a mirrored tag set
func (c *Client) TagRemoveKey(ctx context.Context, tag, key string) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.rdb.SRem(ctx, c.tagKey(tag), key).Err(); err != nil {
		return fmt.Errorf("failed to remove key from tag %q: %w", tag, err)
	}
	return nil
}

// TagDelete removes an entire mirrored tag set
func (c *Client) TagDelete(ctx context.Context, tag string) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.rdb.Del(ctx, c.tagKey(tag)).Err(); err != nil {
		return fmt.Errorf("failed to delete tag %q: %w", tag, err)
	}
	return nil
}

// Publish broadcasts an invalidation message to other engine instances
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", channel, err)
	}
	return nil
}

// Subscribe returns a subscription to an invalidation channel
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// opContext bounds an operation with the configured per-call timeout
func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.OpTimeout)
}

// dataKey maps a logical key to its physical key on the shared layer
func (c *Client) dataKey(key string) string {
	return c.config.KeyPrefix + key
}

// logicalKey strips the physical prefix from a scanned key
func (c *Client) logicalKey(physical string) string {
	return strings.TrimPrefix(physical, c.config.KeyPrefix)
}

// tagKey maps a tag to the physical key of its mirrored set
func (c *Client) tagKey(tag string) string {
	return c.config.KeyPrefix + "tag:" + tag
}
