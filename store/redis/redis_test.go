package redis

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addr returns the redis address used by integration tests, skipping the
// test when none is configured.
func addr(t *testing.T) string {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	v := os.Getenv("SCR_REDIS_ADDR")
	if v == "" {
		t.Skip("SCR_REDIS_ADDR not set")
	}
	return v
}

func TestConfigDefaults(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.init())
	assert.Equal(t, "localhost:6379", c.Addr())
	assert.Equal(t, 3, c.Protocol)
	assert.Equal(t, int64(3), c.RequestTimeout)

	c = &Config{Host: "::1", Port: 7000}
	assert.Equal(t, "[::1]:7000", c.Addr())
}

func TestWithClientSkipsDial(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	r, err := New(nil, WithClient(client))
	require.NoError(t, err)
	assert.Same(t, client, r.Client)
	require.NoError(t, r.Close())
}

func TestRedis(t *testing.T) {
	r, err := New(&Config{}, WithClient(redis.NewClient(&redis.Options{Addr: addr(t)})))
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Ping(context.Background()))
	ctx, cancel := r.RequestContext(context.Background())
	defer cancel()
	require.NoError(t, r.Client.Set(ctx, "scr_sample_key", "sample_value", 0).Err())
	v, err := r.Client.Get(ctx, "scr_sample_key").Result()
	require.NoError(t, err)
	assert.Equal(t, "sample_value", v)
}

func TestUnreachable(t *testing.T) {
	_, err := New(&Config{Host: "127.0.0.1", Port: 1, RequestTimeout: 1})
	assert.Error(t, err)
}
