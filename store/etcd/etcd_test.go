package etcd

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Endpoints returns the etcd endpoints used by integration tests, skipping
// the test when none are configured.
func endpoints(t *testing.T) []string {
	if testing.Short() {
		t.Skip("skipping etcd integration test in short mode")
	}
	v := os.Getenv("SCR_ETCD_ENDPOINTS")
	if v == "" {
		t.Skip("SCR_ETCD_ENDPOINTS not set")
	}
	return strings.Split(v, ",")
}

func TestConfigDefaults(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.init())
	assert.Equal(t, []string{"localhost:2379"}, c.Endpoints)
	assert.Equal(t, int64(5), c.DialTimeout)
	assert.Equal(t, int64(3), c.RequestTimeout)
}

func TestEtcd(t *testing.T) {
	e, err := New(&Config{Endpoints: endpoints(t)})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Ping(context.Background()))

	ctx, cancel := e.RequestContext(context.Background())
	defer cancel()
	_, err = e.Client.Put(ctx, "scr_sample_key", "sample_value")
	require.NoError(t, err)

	resp, err := e.Client.Get(ctx, "scr_sample_key")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "sample_value", string(resp.Kvs[0].Value))
}
