package scr

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kochabonline/scr/async"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
	"github.com/kochabonline/scr/metric"
)

const defaultInitializeWait = 50 * time.Millisecond

// environment is shared by every manager of one runtime.
type environment struct {
	constructors   map[string]Constructor
	metrics        *metric.Metrics
	initializeWait time.Duration
}

func (e *environment) wait() time.Duration {
	if e == nil || e.initializeWait <= 0 {
		return defaultInitializeWait
	}
	return e.initializeWait
}

// managerState is replaced on every enable or disable. task finishes the
// transition; configs is only read once task is done.
type managerState struct {
	enabled bool
	task    *async.Task
	configs []*ComponentConfiguration
}

// ComponentManager owns one declared component. Enabling it creates the
// component configuration, disabling it tears the configuration down.
// Transitions run on the async service in the order they were requested.
type ComponentManager struct {
	metadata *ComponentMetadata
	registry *ComponentRegistry
	ctx      *framework.BundleContext
	logger   logservice.LogService
	async    async.Service
	notifier *ConfigurationNotifier
	env      *environment

	transition sync.Mutex
	state      atomic.Pointer[managerState]
}

func newComponentManager(md *ComponentMetadata, registry *ComponentRegistry, ctx *framework.BundleContext,
	logger logservice.LogService, asyncSvc async.Service, notifier *ConfigurationNotifier, env *environment) (*ComponentManager, error) {
	switch {
	case md == nil:
		return nil, errors.InvalidArgument("nil component metadata")
	case registry == nil:
		return nil, errors.InvalidArgument("nil component registry")
	case ctx == nil:
		return nil, errors.InvalidArgument("nil bundle context")
	case logger == nil:
		return nil, errors.InvalidArgument("nil logger")
	case asyncSvc == nil:
		return nil, errors.InvalidArgument("nil async work service")
	case notifier == nil:
		return nil, errors.InvalidArgument("nil configuration notifier")
	}
	if env == nil {
		env = &environment{}
	}
	m := &ComponentManager{
		metadata: md,
		registry: registry,
		ctx:      ctx,
		logger:   logger,
		async:    asyncSvc,
		notifier: notifier,
		env:      env,
	}
	m.state.Store(&managerState{task: async.Completed(nil)})
	return m, nil
}

func (m *ComponentManager) Name() string { return m.metadata.Name }

func (m *ComponentManager) Metadata() *ComponentMetadata { return m.metadata }

func (m *ComponentManager) Bundle() *framework.Bundle { return m.ctx.Bundle() }

func (m *ComponentManager) BundleID() int64 { return m.ctx.Bundle().ID() }

func (m *ComponentManager) BundleContext() *framework.BundleContext { return m.ctx }

func (m *ComponentManager) IsEnabled() bool { return m.state.Load().enabled }

// Initialize enables the component when it is enabled by default. It waits
// a short while for the enable to finish and otherwise finishes it on the
// calling goroutine.
func (m *ComponentManager) Initialize() error {
	if !m.metadata.Enabled {
		return nil
	}
	err := m.Enable().WaitOrRun(m.env.wait())
	if err == nil {
		return nil
	}
	if errors.MustPropagate(err) {
		return err
	}
	m.logger.LogError(level.Error, "failed to enable component "+m.metadata.Name, err)
	return nil
}

// Enable returns the task of the pending or finished enable. Enabling an
// enabled component returns the existing task.
func (m *ComponentManager) Enable() *async.Task {
	return m.transitionTo(true)
}

func (m *ComponentManager) Disable() *async.Task {
	return m.transitionTo(false)
}

func (m *ComponentManager) transitionTo(enabled bool) *async.Task {
	m.transition.Lock()
	defer m.transition.Unlock()

	for {
		cur := m.state.Load()
		if cur.enabled == enabled {
			return cur.task
		}
		next := &managerState{enabled: enabled}
		next.task = async.NewTask(func() error {
			// the previous transition has to finish first; if no executor
			// got to it yet it runs here
			cur.task.Run()
			if enabled {
				return m.createConfigurations(next)
			}
			m.deleteConfigurations(cur)
			return nil
		})
		if m.state.CompareAndSwap(cur, next) {
			m.async.Post(next.task)
			return next.task
		}
	}
}

func (m *ComponentManager) createConfigurations(st *managerState) error {
	c, err := newComponentConfiguration(m)
	if err != nil {
		return err
	}
	st.configs = []*ComponentConfiguration{c}
	m.logger.Log(level.Debug, "component "+m.metadata.Name+" enabled")
	return c.Initialize()
}

func (m *ComponentManager) deleteConfigurations(st *managerState) {
	for _, c := range st.configs {
		c.Deactivate()
		c.Stop()
	}
	m.logger.Log(level.Debug, "component "+m.metadata.Name+" disabled")
}

// ComponentConfigurations returns the configurations of an enabled
// component, waiting for a pending enable.
func (m *ComponentManager) ComponentConfigurations() []*ComponentConfiguration {
	st := m.state.Load()
	if !st.enabled {
		return nil
	}
	_ = st.task.WaitOrRun(m.env.wait())
	return slices.Clone(st.configs)
}

// Dispose disables the component and waits for it.
func (m *ComponentManager) Dispose() error {
	return m.Disable().WaitOrRun(m.env.wait())
}

// disableBundle disables every component of the bundle without waiting.
// It is used when the bundle failed validation.
func (m *ComponentManager) disableBundle() {
	m.logger.Log(level.Warn, "bundle "+m.Bundle().SymbolicName()+" failed validation, disabling its components")
	for _, other := range m.registry.GetComponentManagers(m.BundleID()) {
		other.Disable()
	}
}
