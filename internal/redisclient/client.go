package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/claim_idempotency.lua
var claimIdempotencyScript string

//go:embed scripts/release_idempotency.lua
var releaseIdempotencyScript string

// inFlight marks a key whose order is still being placed.
const inFlight = "pending"

type Client struct {
	rdb           *redis.Client
	claimScript   *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		claimScript:   redis.NewScript(claimIdempotencyScript),
		releaseScript: redis.NewScript(releaseIdempotencyScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks that Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:order:%s", key)
}

// ClaimIdempotencyKey atomically claims key for a new order.
// claimed is true when the caller now owns the key. Otherwise orderID is the
// order already recorded for the key, or zero while that order is in flight.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (orderID int64, claimed bool, err error) {
	result, err := c.claimScript.Run(ctx, c.rdb,
		[]string{idempotencyKey(key)}, inFlight, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, false, fmt.Errorf("claim idempotency script failed: %w", err)
	}

	value, ok := result.(string)
	if !ok {
		return 0, false, fmt.Errorf("unexpected script result type %T", result)
	}

	switch value {
	case "":
		return 0, true, nil
	case inFlight:
		return 0, false, nil
	}

	orderID, err = strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid order id stored for idempotency key: %w", err)
	}
	return orderID, false, nil
}

// CompleteIdempotencyKey records the order placed under key
func (c *Client) CompleteIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), orderID, ttl).Err()
}

// ReleaseIdempotencyKey drops an unfinished claim so the request can be retried
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{idempotencyKey(key)}, inFlight).Result()
	if err != nil {
		return fmt.Errorf("release idempotency script failed: %w", err)
	}
	return nil
}
