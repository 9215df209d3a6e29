package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Runs against a real server only when MEDSTAFF_TEST_REDIS_ADDR is exported.
func newRedisCache(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("MEDSTAFF_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEDSTAFF_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis unavailable: %s", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "medstaff:test:"+uuid.NewString()+":")
}

func TestRedisRoundTripsAndDeletes(t *testing.T) {
	c := newRedisCache(t)
	ctx := context.Background()

	var got overview
	hit, err := c.Get(ctx, "t1", &got)
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, c.Set(ctx, "t1", overview{Leads: 4, Month: "2026-03"}, time.Minute))
	require.NoError(t, c.Set(ctx, "t2", overview{Leads: 1}, time.Minute))
	hit, err = c.Get(ctx, "t1", &got)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, overview{Leads: 4, Month: "2026-03"}, got)

	require.NoError(t, c.Delete(ctx, "t1", "t2"))
	hit, err = c.Get(ctx, "t2", &got)
	require.NoError(t, err)
	require.False(t, hit)
	require.NoError(t, c.Delete(ctx))
}

func TestRedisExpiresEntries(t *testing.T) {
	c := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t1", overview{Leads: 2}, 200*time.Millisecond))
	require.Eventually(t, func() bool {
		var got overview
		hit, err := c.Get(ctx, "t1", &got)
		return err == nil && !hit
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRedisRejectsUnencodableValues(t *testing.T) {
	c := newRedisCache(t)
	require.Error(t, c.Set(context.Background(), "t1", make(chan int), time.Minute))
}
