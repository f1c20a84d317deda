package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kochabonline/scr/core/reflect"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log"
	"github.com/kochabonline/scr/scr"
	"github.com/kochabonline/scr/store/etcd"
	"github.com/kochabonline/scr/store/redis"
	shttp "github.com/kochabonline/scr/transport/http"
)

type greeter struct {
	mu    sync.Mutex
	props map[string]any
}

func (g *greeter) Activate(ctx *scr.ComponentContext) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.props = ctx.Properties()
	return nil
}

func (g *greeter) greeting() any {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.props == nil {
		return nil
	}
	return g.props["greeting"]
}

func quietLogger() *log.Logger {
	return log.New(log.WithWriter(io.Discard))
}

// greeterBundle 声明一个需要配置的立即组件
func greeterBundle(t *testing.T, fw *framework.Framework, declared map[string]any) {
	t.Helper()
	manifest := map[string]any{
		scr.ManifestKey: map[string]any{
			"version": 1,
			"components": []any{map[string]any{
				"name":                 "greeter",
				"implementation-class": "sample.Greeter",
				"immediate":            true,
				"configuration-policy": "require",
			}},
		},
	}
	if declared != nil {
		manifest["cm"] = map[string]any{
			"version":        1,
			"configurations": []any{map[string]any{"pid": "greeter", "properties": declared}},
		}
	}
	bundles, err := fw.Context().InstallBundles("lib/greeter.so", map[string]map[string]any{"greeter": manifest})
	require.NoError(t, err)
	require.NoError(t, bundles[0].Start())
}

func startHost(t *testing.T, c Config, g *greeter) *Host {
	t.Helper()
	c.SCR.InitializeWait = 20
	h := NewHost(c,
		WithHostLogger(quietLogger()),
		WithConstructor("sample.Greeter", func() any { return g }),
	)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.Stop(ctx))
	})
	return h
}

func TestHostLifecycle(t *testing.T) {
	g := &greeter{}
	h := NewHost(Config{}, WithHostLogger(quietLogger()), WithConstructor("sample.Greeter", func() any { return g }))
	assert.Nil(t, h.Server(), "no http address")
	assert.Nil(t, h.Admin())
	assert.Error(t, h.Healthy())
	assert.Equal(t, "/scr/configurations", h.config.EtcdPrefix)
	assert.Equal(t, 2, h.config.SCR.Workers)

	ctx := context.Background()
	require.NoError(t, h.Start(ctx))
	assert.True(t, errors.IsConflict(h.Start(ctx)))
	assert.NoError(t, h.Healthy())
	require.NotNil(t, h.Admin())

	greeterBundle(t, h.Framework(), map[string]any{"greeting": "hello"})
	assert.Eventually(t, func() bool { return g.greeting() == "hello" }, 2*time.Second, 5*time.Millisecond)

	cfg, err := h.Admin().GetConfiguration("greeter")
	require.NoError(t, err)
	require.NoError(t, cfg.Update(map[string]any{"greeting": "hi"}))
	assert.Eventually(t, func() bool { return g.greeting() == "hi" }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop(ctx))
	assert.Error(t, h.Healthy())
	assert.NoError(t, h.Stop(ctx), "second stop is a no-op")
	assert.Empty(t, h.Runtime().ComponentDescriptions())
}

func TestHostFileSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs.yaml"), []byte(`
configurations:
  - pid: greeter
    properties:
      greeting: from file
`), 0o644))

	g := &greeter{}
	h := startHost(t, Config{Sources: []SourceConfig{{Name: "configs.yaml", Paths: []string{dir}}}}, g)
	greeterBundle(t, h.Framework(), nil)
	assert.Eventually(t, func() bool { return g.greeting() == "from file" }, 2*time.Second, 5*time.Millisecond)
}

func TestHostStartFailureRollsBack(t *testing.T) {
	h := NewHost(Config{Sources: []SourceConfig{{Name: "missing.yaml", Paths: []string{t.TempDir()}}}}, WithHostLogger(quietLogger()))
	require.Error(t, h.Start(context.Background()))
	assert.Error(t, h.Healthy())
	assert.Nil(t, h.Framework().Context(), "framework stopped again")
}

func TestHostHTTP(t *testing.T) {
	g := &greeter{}
	h := startHost(t, Config{HTTP: HTTPConfig{
		Addr:       ":0",
		Health:     shttp.HealthOption{Enabled: true},
		Components: shttp.ComponentsOption{Enabled: true},
	}}, g)
	require.NotNil(t, h.Server())
	handler := h.Server().(*shttp.Server).Handler()

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}
	assert.Equal(t, http.StatusOK, get("/health").Code)

	greeterBundle(t, h.Framework(), map[string]any{"greeting": "hello"})
	assert.Eventually(t, func() bool { return g.greeting() == "hello" }, 2*time.Second, 5*time.Millisecond)

	w := get("/components")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"implementationClass":"sample.Greeter"`)
	assert.Contains(t, get("/metrics").Body.String(), "scr_component_activations_total")
}

func TestHostWithApplication(t *testing.T) {
	g := &greeter{}
	h := NewHost(Config{SCR: scr.Config{InitializeWait: 20}}, WithHostLogger(quietLogger()), WithConstructor("sample.Greeter", func() any { return g }))
	app := New(WithHost(h))
	assert.Equal(t, 1, app.Info().LifecycleCount)
	assert.Equal(t, 0, app.Info().ServerCount)

	done := make(chan error, 1)
	go func() { done <- app.Start() }()
	assert.Eventually(t, func() bool { return h.Healthy() == nil }, 2*time.Second, 5*time.Millisecond)

	app.Stop()
	require.NoError(t, <-done)
	assert.Error(t, h.Healthy())
}

func TestHostEtcd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping etcd integration test in short mode")
	}
	endpoints := os.Getenv("SCR_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("SCR_ETCD_ENDPOINTS not set")
	}
	prefix := "/scr-test/" + xid.New().String()
	c := Config{
		Etcd:       &etcd.Config{Endpoints: strings.Split(endpoints, ",")},
		EtcdPrefix: prefix,
	}

	g := &greeter{}
	h := startHost(t, c, g)
	cfg, err := h.Admin().GetConfiguration("greeter")
	require.NoError(t, err)
	require.NoError(t, cfg.Update(map[string]any{"greeting": "persisted"}))

	// a second host sharing the prefix sees the stored configuration
	other := &greeter{}
	h2 := startHost(t, c, other)
	greeterBundle(t, h2.Framework(), nil)
	assert.Eventually(t, func() bool { return other.greeting() == "persisted" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, cfg.Update(map[string]any{"greeting": fmt.Sprintf("changed by %s", h.Framework().UUID())}))
	assert.Eventually(t, func() bool {
		s, _ := other.greeting().(string)
		return strings.HasPrefix(s, "changed by")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, cfg.Remove())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "host.yaml"), []byte(`
scr:
  workers: 4
http:
  addr: ":9090"
  components:
    enabled: true
sources:
  - name: configs.yaml
    paths: [/etc/scr]
    watch: true
`), 0o644))

	c, err := LoadConfig("host.yaml", dir)
	require.NoError(t, err)
	assert.Equal(t, 4, c.SCR.Workers)
	assert.Equal(t, 50, c.SCR.InitializeWait)
	assert.Equal(t, "/metrics", c.SCR.Metrics.Path)
	assert.Equal(t, ":9090", c.HTTP.Addr)
	assert.True(t, c.HTTP.Components.Enabled)
	assert.Equal(t, "/components", c.HTTP.Components.Path)
	assert.Nil(t, c.Etcd)
	assert.Equal(t, "/scr/configurations", c.EtcdPrefix)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, []SourceConfig{{Name: "configs.yaml", Paths: []string{"/etc/scr"}, Watch: true}}, c.Sources)

	_, err = LoadConfig("absent.yaml", dir)
	assert.True(t, errors.IsNotFound(err))
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		c := Config{}
		require.NoError(t, reflect.SetDefaultTag(&c))
		return c
	}
	c := valid()
	require.NoError(t, c.Validate())

	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{"bad address", func(c *Config) { c.HTTP.Addr = "nope" }, "addr"},
		{"two stores", func(c *Config) {
			c.Etcd = &etcd.Config{}
			c.Redis = &redis.Config{}
		}, "etcd"},
		{"relative etcd prefix", func(c *Config) { c.EtcdPrefix = "scr" }, "etcdPrefix"},
		{"unnamed source", func(c *Config) { c.Sources = []SourceConfig{{Watch: true}} }, "name"},
		{"negative workers", func(c *Config) { c.SCR.Workers = -1 }, "workers"},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, "logLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalidArgument(err))
			assert.Contains(t, errors.FromError(err).Message, tt.want)

			h := NewHost(c, WithHostLogger(quietLogger()))
			assert.True(t, errors.IsInvalidArgument(h.Start(context.Background())))
			assert.Nil(t, h.Framework().Context(), "framework never started")
		})
	}
}

func TestHostLogLevel(t *testing.T) {
	logger := quietLogger()
	h := NewHost(Config{LogLevel: "warn"}, WithHostLogger(logger))
	assert.Equal(t, zerolog.WarnLevel, h.logger.GetLevel())
	assert.NotEqual(t, zerolog.WarnLevel, logger.GetLevel(), "the given logger is left alone")
}
