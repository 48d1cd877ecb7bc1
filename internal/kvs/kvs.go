// Package kvs wraps the shared Redis connection used as the system's
// key-value store (KVS). It is the only cross-process coordination point:
// the health tracker and the HTTP frontend's GPU-status reads go through
// its methods, and the rate limiter runs its script and reads bucket levels
// on the underlying client obtained from Raw.
package kvs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a thin wrapper around *redis.Client exposing only the
// primitives the router needs: atomic counters, TTL keys, and the ability
// to run server-side scripts for the rate limiter.
type Client struct {
	rdb *redis.Client
}

// New wraps an already-constructed *redis.Client.
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Connect parses url, builds a client, and verifies connectivity with a
// PING. Callers decide whether a failure here is fatal or degraded startup.
func Connect(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kvs: parse url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("kvs: ping: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Raw exposes the underlying redis.Client for callers (rate limiter's
// script runner) that need the full client surface.
func (c *Client) Raw() *redis.Client { return c.rdb }

// Exists reports whether key is present. KVS errors are surfaced to the
// caller — failing open/closed is a policy decision made by each caller
// (the health tracker fails open, per spec).
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kvs: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// SetEx sets key to value with a TTL, replacing any existing value.
func (c *Client) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvs: setex %s: %w", key, err)
	}
	return nil
}

// Incr atomically increments the integer counter at key and returns the
// new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvs: incr %s: %w", key, err)
	}
	return n, nil
}

// Get returns the string value at key, or ("", false) if absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kvs: get %s: %w", key, err)
	}
	return v, true, nil
}

// TTL returns the remaining time-to-live for key. A negative duration
// means the key exists with no expiry (-1) or does not exist (-2), per
// the Redis TTL command semantics.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvs: ttl %s: %w", key, err)
	}
	return d, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
