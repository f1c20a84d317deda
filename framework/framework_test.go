package framework

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kochabonline/scr/errors"
)

func newStarted(t *testing.T, opts ...Option) *Framework {
	t.Helper()
	fw := New(opts...)
	require.NoError(t, fw.Start())
	t.Cleanup(func() { _ = fw.Stop() })
	return fw
}

func manifests(names ...string) map[string]map[string]any {
	m := make(map[string]map[string]any, len(names))
	for _, n := range names {
		m[n] = map[string]any{"bundle.symbolic_name": n}
	}
	return m
}

type failingStorage struct {
	*MemoryStorage
	failAt int
	calls  int
}

func (s *failingStorage) CreateArchive(c *ResourceContainer, name string, manifest map[string]any) (*Archive, error) {
	s.calls++
	if s.calls == s.failAt {
		return nil, errors.New(507, "disk full")
	}
	a, err := s.MemoryStorage.CreateArchive(c, name, manifest)
	if err == nil {
		a.storage = s
	}
	return a, err
}

func TestInstallBundles(t *testing.T) {
	fw := newStarted(t)

	bundles, err := fw.Context().InstallBundles("lib/a.so", manifests("b", "a"))
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, "a", bundles[0].SymbolicName())
	assert.Equal(t, "b", bundles[1].SymbolicName())
	assert.Same(t, bundles[0].Archive().ResourceContainer(), bundles[1].Archive().ResourceContainer())
	assert.Equal(t, BundleInstalled, bundles[0].State())

	again, err := fw.Context().InstallBundles("lib/a.so", manifests("b", "a"))
	require.NoError(t, err)
	assert.ElementsMatch(t, bundles, again)
}

func TestInstallConcurrentSameLocation(t *testing.T) {
	storage := NewMemoryStorage()
	fw := newStarted(t, WithStorage(storage))

	const goroutines = 32
	results := make([][]*Bundle, goroutines)
	errs := make([]error, goroutines)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = fw.Context().InstallBundles("lib/shared.so", manifests("x", "y", "z"))
		}()
	}
	close(start)
	wg.Wait()

	for i := range goroutines {
		require.NoError(t, errs[i])
		assert.ElementsMatch(t, results[0], results[i])
	}
	assert.Len(t, storage.Archives(), 3)
	assert.Len(t, fw.BundleRegistry().AtLocation("lib/shared.so"), 3)

	installs := fw.BundleRegistry().installs.Load()
	assert.Empty(t, installs)
}

func TestInstallPurgesArchivesOnFailure(t *testing.T) {
	storage := &failingStorage{MemoryStorage: NewMemoryStorage(), failAt: 3}
	fw := newStarted(t, WithStorage(storage))

	_, err := fw.Context().InstallBundles("lib/broken.so", manifests("a", "b", "c"))
	require.Error(t, err)
	assert.Equal(t, int32(errors.CodeRuntime), errors.Code(err))
	assert.Contains(t, err.Error(), "lib/broken.so")
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, storage.Archives())
	assert.Empty(t, fw.BundleRegistry().AtLocation("lib/broken.so"))

	storage.failAt = 0
	bundles, err := fw.Context().InstallBundles("lib/broken.so", manifests("a", "b", "c"))
	require.NoError(t, err)
	assert.Len(t, bundles, 3)
}

func TestInstallAllRejectedByHook(t *testing.T) {
	fw := newStarted(t, WithFilterHook(func(ctx *BundleContext, b *Bundle) bool {
		return ctx.Bundle().SymbolicName() != "consumer"
	}))

	_, err := fw.Context().InstallBundles("lib/a.so", manifests("a"))
	require.NoError(t, err)

	consumers, err := fw.Context().InstallBundles("lib/c.so", manifests("consumer"))
	require.NoError(t, err)
	require.NoError(t, consumers[0].Start())

	_, err = consumers[0].Context().InstallBundles("lib/a.so", manifests("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all bundles rejected by a bundle hook")
}

func TestInstallRequiresActiveFramework(t *testing.T) {
	fw := New()
	_, err := fw.BundleRegistry().Install("lib/a.so", fw.Bundle(), manifests("a"))
	assert.Error(t, err)
}

func TestBundleLifecycle(t *testing.T) {
	fw := newStarted(t)

	var (
		mu     sync.Mutex
		events []BundleEventType
	)
	_, err := fw.Context().AddBundleListener(func(evt BundleEvent) {
		mu.Lock()
		events = append(events, evt.Type)
		mu.Unlock()
	})
	require.NoError(t, err)

	bundles, err := fw.Context().InstallBundles("lib/a.so", manifests("a"))
	require.NoError(t, err)
	b := bundles[0]

	require.NoError(t, b.Start())
	assert.Equal(t, BundleActive, b.State())
	ctx := b.Context()
	require.NotNil(t, ctx)

	_, err = ctx.RegisterService([]string{"sample.Service"}, "svc", nil)
	require.NoError(t, err)

	require.NoError(t, b.Stop())
	assert.Equal(t, BundleResolved, b.State())
	assert.False(t, ctx.Valid())
	assert.Nil(t, fw.Context().GetServiceReference("sample.Service"))

	require.NoError(t, b.Uninstall())
	assert.Nil(t, fw.BundleRegistry().Get(b.ID()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []BundleEventType{
		BundleEventInstalled,
		BundleEventStarting,
		BundleEventStarted,
		BundleEventStopping,
		BundleEventStopped,
		BundleEventUninstalled,
	}, events)
}

func TestBundleValidatorRejects(t *testing.T) {
	fw := newStarted(t, WithBundleValidator(func(b *Bundle) error {
		if b.SymbolicName() == "evil" {
			return errors.New(1, "untrusted")
		}
		return nil
	}))

	bundles, err := fw.Context().InstallBundles("lib/evil.so", manifests("evil"))
	require.NoError(t, err)

	err = bundles[0].Start()
	require.Error(t, err)
	assert.True(t, errors.IsSecurity(err))
	assert.Equal(t, BundleInstalled, bundles[0].State())
}
