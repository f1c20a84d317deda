package scr

import (
	"maps"
	"slices"
	"sync"

	"github.com/kochabonline/scr/async"
	"github.com/kochabonline/scr/core/concurrency"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
	"github.com/kochabonline/scr/metric"
)

// Extension holds the component managers of one bundle.
type Extension struct {
	bundle   *framework.Bundle
	registry *ComponentRegistry
	logger   logservice.LogService
	notifier *ConfigurationNotifier
	env      *environment

	mu       sync.Mutex
	managers []*ComponentManager
}

func NewExtension(bundle *framework.Bundle, registry *ComponentRegistry, logger logservice.LogService, notifier *ConfigurationNotifier) (*Extension, error) {
	switch {
	case bundle == nil:
		return nil, errors.InvalidArgument("nil bundle")
	case registry == nil:
		return nil, errors.InvalidArgument("nil component registry")
	case logger == nil:
		return nil, errors.InvalidArgument("nil logger")
	case notifier == nil:
		return nil, errors.InvalidArgument("nil configuration notifier")
	}
	return &Extension{
		bundle:   bundle,
		registry: registry,
		logger:   logger,
		notifier: notifier,
	}, nil
}

func (e *Extension) Bundle() *framework.Bundle { return e.bundle }

// Initialize creates and initializes a manager for every component declared
// in manifest. A component whose name is already taken in the bundle is
// skipped. Shared library and security errors abort; after a security error
// every manager of the extension is disposed.
func (e *Extension) Initialize(manifest map[string]any, asyncSvc async.Service) error {
	mds, err := ParseMetadata(manifest, e.logger)
	if err != nil {
		return err
	}
	for _, md := range mds {
		m, err := newComponentManager(md, e.registry, e.bundle.Context(), e.logger, asyncSvc, e.notifier, e.env)
		if err != nil {
			e.logger.LogError(level.Error, "could not create manager for component "+md.Name, err)
			continue
		}
		if !e.registry.AddComponentManager(m) {
			e.logger.Log(level.Error, "component "+md.Name+" is declared twice in bundle "+e.bundle.SymbolicName())
			continue
		}
		e.AddComponentManager(m)

		if err := m.Initialize(); err != nil {
			if errors.IsSecurity(err) {
				e.logger.LogError(level.Error, "bundle "+e.bundle.SymbolicName()+" failed validation", err)
				e.Dispose()
			}
			return err
		}
	}
	return nil
}

func (e *Extension) AddComponentManager(m *ComponentManager) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.managers = append(e.managers, m)
}

func (e *Extension) ComponentManagers() []*ComponentManager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.managers)
}

// Dispose disables every manager, removes it from the component registry
// and waits for the disables.
func (e *Extension) Dispose() {
	e.mu.Lock()
	managers := e.managers
	e.managers = nil
	e.mu.Unlock()

	tasks := make([]*async.Task, len(managers))
	for i, m := range managers {
		tasks[i] = m.Disable()
		e.registry.RemoveComponentManager(m)
	}
	for i, t := range tasks {
		if err := t.WaitOrRun(managers[i].env.wait()); err != nil {
			e.logger.LogError(level.Error, "failed to disable component "+managers[i].Name(), err)
		}
	}
}

// ExtensionRegistry maps bundle ids to their extensions.
type ExtensionRegistry struct {
	extensions *concurrency.Guarded[map[int64]*Extension]
	metrics    *metric.Metrics
}

func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{
		extensions: concurrency.NewGuarded(make(map[int64]*Extension)),
	}
}

// Add returns false when the bundle already has an extension.
func (r *ExtensionRegistry) Add(bundleID int64, ext *Extension) bool {
	added := false
	r.extensions.With(func(m *map[int64]*Extension) {
		if _, ok := (*m)[bundleID]; ok {
			return
		}
		(*m)[bundleID] = ext
		added = true
	})
	if added {
		r.metrics.ExtensionAdded()
	}
	return added
}

func (r *ExtensionRegistry) Find(bundleID int64) (*Extension, bool) {
	var ext *Extension
	r.extensions.With(func(m *map[int64]*Extension) {
		ext = (*m)[bundleID]
	})
	return ext, ext != nil
}

// Remove drops the extension of the bundle and disposes it.
func (r *ExtensionRegistry) Remove(bundleID int64) {
	var ext *Extension
	r.extensions.With(func(m *map[int64]*Extension) {
		ext = (*m)[bundleID]
		delete(*m, bundleID)
	})
	if ext != nil {
		ext.Dispose()
		r.metrics.ExtensionRemoved()
	}
}

func (r *ExtensionRegistry) BundleIDs() []int64 {
	var ids []int64
	r.extensions.With(func(m *map[int64]*Extension) {
		ids = slices.Sorted(maps.Keys(*m))
	})
	return ids
}

// Clear disposes every extension.
func (r *ExtensionRegistry) Clear() {
	var all map[int64]*Extension
	r.extensions.With(func(m *map[int64]*Extension) {
		all = *m
		*m = make(map[int64]*Extension)
	})
	for _, id := range slices.Sorted(maps.Keys(all)) {
		all[id].Dispose()
		r.metrics.ExtensionRemoved()
	}
}
