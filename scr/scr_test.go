package scr

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kochabonline/scr/async"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
)

func newFramework(t *testing.T, opts ...framework.Option) *framework.Framework {
	t.Helper()
	fw := framework.New(opts...)
	require.NoError(t, fw.Start())
	t.Cleanup(func() { _ = fw.Stop() })
	return fw
}

// startBundle installs and starts one bundle with manifest.
func startBundle(t *testing.T, fw *framework.Framework, name string, manifest map[string]any) *framework.Bundle {
	t.Helper()
	if manifest == nil {
		manifest = map[string]any{}
	}
	bundles, err := fw.Context().InstallBundles("lib/"+name+".so", map[string]map[string]any{name: manifest})
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.NoError(t, bundles[0].Start())
	return bundles[0]
}

func discardLog() logservice.LogService {
	return logservice.New(log.New(log.WithWriter(io.Discard)))
}

// mockLog is a LogService double.
type mockLog struct {
	mock.Mock
}

func (m *mockLog) Log(lvl level.Level, msg string) { m.Called(lvl, msg) }

func (m *mockLog) LogError(lvl level.Level, msg string, err error) { m.Called(lvl, msg, err) }

func (m *mockLog) LogRef(ref *framework.ServiceReference, lvl level.Level, msg string) {
	m.Called(ref, lvl, msg)
}

func (m *mockLog) LogRefError(ref *framework.ServiceReference, lvl level.Level, msg string, err error) {
	m.Called(ref, lvl, msg, err)
}

// engine wires the collaborators of component managers for one bundle
// without a Runtime.
type engine struct {
	bundle     *framework.Bundle
	registry   *ComponentRegistry
	extensions *ExtensionRegistry
	notifier   *ConfigurationNotifier
	extension  *Extension
	env        *environment
}

func newEngine(t *testing.T, fw *framework.Framework, name string) *engine {
	t.Helper()
	b := startBundle(t, fw, name, nil)
	e := &engine{
		bundle:     b,
		registry:   NewComponentRegistry(),
		extensions: NewExtensionRegistry(),
		env:        &environment{constructors: make(map[string]Constructor)},
	}
	var err error
	e.notifier, err = NewConfigurationNotifier(b.Context(), discardLog(), async.Inline{}, e.extensions)
	require.NoError(t, err)
	e.extension, err = NewExtension(b, e.registry, discardLog(), e.notifier)
	require.NoError(t, err)
	e.extension.env = e.env
	require.True(t, e.extensions.Add(b.ID(), e.extension))
	return e
}

func (e *engine) manager(t *testing.T, md *ComponentMetadata) *ComponentManager {
	t.Helper()
	m, err := newComponentManager(md, e.registry, e.bundle.Context(), discardLog(), async.Inline{}, e.notifier, e.env)
	require.NoError(t, err)
	return m
}

// component is a test implementation recording its lifecycle.
type component struct {
	mu          sync.Mutex
	activated   int
	deactivated int
	modified    []map[string]any
	bound       map[string][]any
	ctx         *ComponentContext
	failWith    error
}

func newComponent() *component {
	return &component{bound: make(map[string][]any)}
}

func (c *component) Activate(ctx *ComponentContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.activated++
	c.ctx = ctx
	return nil
}

func (c *component) Deactivate(*ComponentContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deactivated++
	return nil
}

func (c *component) Bind(name string, svc any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound[name] = append(c.bound[name], svc)
	return nil
}

func (c *component) Unbind(name string, svc any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.bound[name]
	for i, s := range list {
		if s == svc {
			c.bound[name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (c *component) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activated, c.deactivated
}

func (c *component) boundTo(name string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.bound[name]...)
}

// modifiable also takes configuration changes in place.
type modifiable struct {
	*component
}

func (m modifiable) Modified(_ *ComponentContext, props map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modified = append(m.modified, props)
	return nil
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}
