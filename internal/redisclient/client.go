package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	stockKeyPrefix       = "stock:"
	idempotencyKeyPrefix = "idempotency:"
)

// Client is a read-side mirror of product stock plus a small idempotency
// store for the HTTP layer. It never decides whether a reservation succeeds.
type Client struct {
	rdb      *redis.Client
	stockTTL time.Duration
}

// NewClient connects to Redis and verifies the connection.
func NewClient(addr, password string, db int, stockTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb, stockTTL), nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client, stockTTL time.Duration) *Client {
	return &Client{rdb: rdb, stockTTL: stockTTL}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(productID int64) string {
	return stockKeyPrefix + strconv.FormatInt(productID, 10)
}

// GetStock returns the mirrored stock of a product. ok is false on a miss.
func (c *Client) GetStock(ctx context.Context, productID int64) (stock int, ok bool, err error) {
	val, err := c.rdb.Get(ctx, stockKey(productID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get stock snapshot: %w", err)
	}
	return val, true, nil
}

// SetStock stores a stock snapshot read from the database.
func (c *Client) SetStock(ctx context.Context, productID int64, stock int) error {
	return c.rdb.Set(ctx, stockKey(productID), stock, c.stockTTL).Err()
}

// SetStocks stores many snapshots in one pipeline.
func (c *Client) SetStocks(ctx context.Context, stocks map[int64]int) error {
	if len(stocks) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for id, stock := range stocks {
		pipe.Set(ctx, stockKey(id), stock, c.stockTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteStock drops the snapshot of a product.
func (c *Client) DeleteStock(ctx context.Context, productID int64) error {
	return c.rdb.Del(ctx, stockKey(productID)).Err()
}

// GetIdempotentOrder returns the order created under an idempotency key.
func (c *Client) GetIdempotentOrder(ctx context.Context, key string) (int64, bool, error) {
	id, err := c.rdb.Get(ctx, idempotencyKeyPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// RememberOrder records the order created under an idempotency key. The first
// writer wins; later calls leave the stored ID untouched.
func (c *Client) RememberOrder(ctx context.Context, key string, orderID int64, ttl time.Duration) error {
	return c.rdb.SetNX(ctx, idempotencyKeyPrefix+key, orderID, ttl).Err()
}
