package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the checkpoint mirror and the source lease.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	LeaseTTL time.Duration `yaml:"lease_ttl" default:"30s"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func checkpointKey(sourceID string) string {
	return fmt.Sprintf("vaultwatch:checkpoint:%s", sourceID)
}

func leaseKey(sourceID string) string {
	return fmt.Sprintf("vaultwatch:lease:%s", sourceID)
}

func failedQueueKey(sourceID string) string {
	return fmt.Sprintf("vaultwatch:failed_events:%s", sourceID)
}

func failedEventKey(id string) string {
	return fmt.Sprintf("vaultwatch:failed_event:%s", id)
}

// releaseScript deletes the lease only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only if it is still held by the caller.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLease claims the single-writer lease for sourceID.
// It reports false when another owner holds it.
func (c *Client) AcquireLease(ctx context.Context, sourceID, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, leaseKey(sourceID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// RefreshLease extends the lease. It reports false when the lease was lost.
func (c *Client) RefreshLease(ctx context.Context, sourceID, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, c.rdb, []string{leaseKey(sourceID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh lease failed: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease gives up the lease if owner still holds it.
func (c *Client) ReleaseLease(ctx context.Context, sourceID, owner string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{leaseKey(sourceID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease failed: %w", err)
	}
	return nil
}
