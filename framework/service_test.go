package framework

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter struct{ name string }

type countingFactory struct {
	mu     sync.Mutex
	gets   map[int64]int
	ungets map[int64]int
}

func (f *countingFactory) GetService(b *Bundle, _ *ServiceRegistration) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets[b.ID()]++
	return &greeter{name: b.SymbolicName()}, nil
}

func (f *countingFactory) UngetService(b *Bundle, _ *ServiceRegistration, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ungets[b.ID()]++
}

func TestServiceRanking(t *testing.T) {
	fw := newStarted(t)
	ctx := fw.Context()

	low, err := ctx.RegisterService([]string{"Greeter"}, &greeter{"low"}, map[string]any{ServiceRanking: 1})
	require.NoError(t, err)
	high, err := ctx.RegisterService([]string{"Greeter"}, &greeter{"high"}, map[string]any{ServiceRanking: 5})
	require.NoError(t, err)
	_, err = ctx.RegisterService([]string{"Greeter"}, &greeter{"default"}, nil)
	require.NoError(t, err)

	refs, err := ctx.GetServiceReferences("Greeter", "")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Same(t, high.Reference(), refs[0])
	assert.Same(t, low.Reference(), refs[1])

	refs, err = ctx.GetServiceReferences("Greeter", "(service.ranking<=1)")
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	_, err = ctx.GetServiceReferences("Greeter", "(broken")
	assert.Error(t, err)

	svc, err := ctx.GetService(ctx.GetServiceReference("Greeter"))
	require.NoError(t, err)
	assert.Equal(t, "high", svc.(*greeter).name)
}

func TestServiceEvents(t *testing.T) {
	fw := newStarted(t)
	ctx := fw.Context()

	var events []ServiceEventType
	_, err := ctx.AddServiceListener(func(evt ServiceEvent) {
		events = append(events, evt.Type)
	}, "(&(objectclass=Greeter)(mode=on))")
	require.NoError(t, err)

	reg, err := ctx.RegisterService([]string{"Greeter"}, &greeter{}, map[string]any{"mode": "on"})
	require.NoError(t, err)
	require.NoError(t, reg.SetProperties(map[string]any{"mode": "on", "x": 1}))
	require.NoError(t, reg.SetProperties(map[string]any{"mode": "off"}))
	require.NoError(t, reg.SetProperties(map[string]any{"mode": "off", "y": 2}))
	require.NoError(t, reg.Unregister())
	assert.Error(t, reg.Unregister())

	assert.Equal(t, []ServiceEventType{
		ServiceRegistered,
		ServiceModified,
		ServiceModifiedEndMatch,
	}, events)
	assert.False(t, reg.Reference().Valid())
	assert.Equal(t, []string{"Greeter"}, reg.Reference().Interfaces())
}

func TestServiceFactoryPerBundle(t *testing.T) {
	fw := newStarted(t)
	bundles, err := fw.Context().InstallBundles("lib/c.so", manifests("c1", "c2"))
	require.NoError(t, err)
	for _, b := range bundles {
		require.NoError(t, b.Start())
	}

	factory := &countingFactory{gets: map[int64]int{}, ungets: map[int64]int{}}
	reg, err := fw.Context().RegisterService([]string{"Greeter"}, factory, nil)
	require.NoError(t, err)
	assert.Equal(t, ScopeBundle, reg.Reference().Property(ServiceScope))

	c1, c2 := bundles[0].Context(), bundles[1].Context()
	s1, err := c1.GetService(reg.Reference())
	require.NoError(t, err)
	s1again, err := c1.GetService(reg.Reference())
	require.NoError(t, err)
	s2, err := c2.GetService(reg.Reference())
	require.NoError(t, err)

	assert.Same(t, s1, s1again)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, "c1", s1.(*greeter).name)

	assert.True(t, c1.UngetService(reg.Reference()))
	assert.Equal(t, 0, factory.ungets[bundles[0].ID()])
	assert.True(t, c1.UngetService(reg.Reference()))
	assert.Equal(t, 1, factory.ungets[bundles[0].ID()])
	assert.False(t, c1.UngetService(reg.Reference()))

	require.NoError(t, reg.Unregister())
	assert.Equal(t, 1, factory.ungets[bundles[1].ID()])
	assert.Equal(t, 1, factory.gets[bundles[0].ID()])
}

type recordingCustomizer struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (c *recordingCustomizer) AddingService(ref *ServiceReference) (string, bool) {
	name, _ := ref.Property("name").(string)
	if name == "skip" {
		return "", false
	}
	c.mu.Lock()
	c.added = append(c.added, name)
	c.mu.Unlock()
	return name, true
}

func (c *recordingCustomizer) ModifiedService(*ServiceReference, string) {}

func (c *recordingCustomizer) RemovedService(_ *ServiceReference, name string) {
	c.mu.Lock()
	c.removed = append(c.removed, name)
	c.mu.Unlock()
}

func TestServiceTracker(t *testing.T) {
	fw := newStarted(t)
	ctx := fw.Context()

	_, err := ctx.RegisterService([]string{"Greeter"}, &greeter{}, map[string]any{"name": "early"})
	require.NoError(t, err)

	c := &recordingCustomizer{}
	tracker := NewServiceTracker[string](ctx, "Greeter", "", c)
	require.NoError(t, tracker.Open())
	assert.Equal(t, 1, tracker.Size())

	late, err := ctx.RegisterService([]string{"Greeter"}, &greeter{}, map[string]any{"name": "late", ServiceRanking: 10})
	require.NoError(t, err)
	_, err = ctx.RegisterService([]string{"Greeter"}, &greeter{}, map[string]any{"name": "skip"})
	require.NoError(t, err)
	_, err = ctx.RegisterService([]string{"Other"}, &greeter{}, map[string]any{"name": "other"})
	require.NoError(t, err)

	assert.Equal(t, []string{"late", "early"}, tracker.Services())
	best, ok := tracker.Service()
	require.True(t, ok)
	assert.Equal(t, "late", best)

	require.NoError(t, late.Unregister())
	assert.Equal(t, []string{"early"}, tracker.Services())

	tracker.Close()
	assert.Equal(t, []string{"early", "late"}, c.added)
	assert.Equal(t, []string{"late", "early"}, c.removed)
	assert.Zero(t, tracker.Size())
}

func TestServiceTrackerDefaultCustomizer(t *testing.T) {
	fw := newStarted(t)
	ctx := fw.Context()

	tracker := NewServiceTracker[*greeter](ctx, "Greeter", "(name=a)", nil)
	require.NoError(t, tracker.Open())
	defer tracker.Close()

	_, err := ctx.RegisterService([]string{"Greeter"}, &greeter{name: "a"}, map[string]any{"name": "a"})
	require.NoError(t, err)
	_, err = ctx.RegisterService([]string{"Greeter"}, "not a greeter", map[string]any{"name": "a"})
	require.NoError(t, err)

	svcs := tracker.Services()
	require.Len(t, svcs, 1)
	assert.Equal(t, "a", svcs[0].name)
}
