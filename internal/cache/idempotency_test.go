package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type reply struct {
	Text string `json:"text"`
}

func TestIdempotencyCacheRoundTrip(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	c := NewIdempotencyCache(client, time.Minute)
	ctx := context.Background()

	var got reply
	hit, err := c.Lookup(ctx, "req-1", &got)
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, c.Store(ctx, "req-1", reply{Text: "hello"}))
	require.Equal(t, time.Minute, server.TTL("chatd:idem:req-1"))

	hit, err = c.Lookup(ctx, "req-1", &got)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, "hello", got.Text)

	server.FastForward(2 * time.Minute)
	hit, err = c.Lookup(ctx, "req-1", &got)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestIdempotencyCacheDisabled(t *testing.T) {
	var c *IdempotencyCache
	var got reply
	hit, err := c.Lookup(context.Background(), "k", &got)
	require.NoError(t, err)
	require.False(t, hit)
	require.NoError(t, c.Store(context.Background(), "k", reply{Text: "x"}))

	c = NewIdempotencyCache(nil, 0)
	require.Equal(t, DefaultIdempotencyTTL, c.ttl)
	require.NoError(t, c.Store(context.Background(), "k", reply{Text: "x"}))
}
