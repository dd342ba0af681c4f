package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb, time.Minute), mr
}

func TestStockSnapshot(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.GetStock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetStock(ctx, 7, 12))

	stock, ok, err := c.GetStock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 12, stock)
	assert.Equal(t, time.Minute, mr.TTL("stock:7"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.GetStock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetStocksAndDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetStocks(ctx, map[int64]int{1: 3, 2: 0}))

	stock, ok, err := c.GetStock(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, stock)

	require.NoError(t, c.DeleteStock(ctx, 1))
	_, ok, err = c.GetStock(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdempotentOrderFirstWriterWins(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.GetIdempotentOrder(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.RememberOrder(ctx, "req-1", 41, time.Hour))
	require.NoError(t, c.RememberOrder(ctx, "req-1", 99, time.Hour))

	id, ok, err := c.GetIdempotentOrder(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(41), id)
}
