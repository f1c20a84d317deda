package scr

import (
	"maps"
	"slices"
	"sync"

	"github.com/kochabonline/scr/async"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
)

// Optional interfaces of component instances. The runtime calls them with
// no runtime lock held.
type (
	Activator interface {
		Activate(ctx *ComponentContext) error
	}
	Deactivator interface {
		Deactivate(ctx *ComponentContext) error
	}
	// Modifier lets an active instance take a configuration change in place.
	// Without it the instance is deactivated and a new one is created.
	Modifier interface {
		Modified(ctx *ComponentContext, props map[string]any) error
	}
	// Binder receives the services of the component references. Static
	// references are bound before Activate; dynamic ones also while active.
	Binder interface {
		Bind(reference string, service any) error
		Unbind(reference string, service any) error
	}
)

// Constructor creates a component instance. It is registered with the
// runtime under the implementation class of the component.
type Constructor func() any

type boundService struct {
	ref     *framework.ServiceReference
	service any
}

// ComponentContext is handed to the instance of an active component. It is
// invalid once the instance is deactivated.
type ComponentContext struct {
	config *ComponentConfiguration

	mu    sync.Mutex
	props map[string]any
	bound map[string][]boundService
	valid bool
}

func newComponentContext(c *ComponentConfiguration, props map[string]any) *ComponentContext {
	return &ComponentContext{
		config: c,
		props:  props,
		bound:  make(map[string][]boundService),
		valid:  true,
	}
}

// Properties returns a copy of the component properties.
func (c *ComponentContext) Properties() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.props)
}

func (c *ComponentContext) setProperties(props map[string]any) {
	c.mu.Lock()
	c.props = props
	c.mu.Unlock()
}

func (c *ComponentContext) BundleContext() *framework.BundleContext {
	return c.config.manager.ctx
}

func (c *ComponentContext) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

// LocateService returns the best service bound to the reference, or nil.
func (c *ComponentContext) LocateService(reference string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bound[reference]) == 0 {
		return nil
	}
	return c.bound[reference][0].service
}

// LocateServices returns every service bound to the reference, best first.
func (c *ComponentContext) LocateServices(reference string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, 0, len(c.bound[reference]))
	for _, b := range c.bound[reference] {
		out = append(out, b.service)
	}
	return out
}

// EnableComponent enables the named component of the same bundle, or all
// of them when name is empty.
func (c *ComponentContext) EnableComponent(name string) *async.Task {
	return c.forComponents(name, (*ComponentManager).Enable)
}

// DisableComponent disables the named component of the same bundle.
func (c *ComponentContext) DisableComponent(name string) *async.Task {
	if name == "" {
		return async.Completed(errors.InvalidArgument("component name required"))
	}
	return c.forComponents(name, (*ComponentManager).Disable)
}

func (c *ComponentContext) forComponents(name string, fn func(*ComponentManager) *async.Task) *async.Task {
	m := c.config.manager
	if name != "" {
		target, ok := m.registry.GetComponentManager(m.BundleID(), name)
		if !ok {
			return async.Completed(errors.NotFound("no component %s in bundle %d", name, m.BundleID()))
		}
		return fn(target)
	}
	var tasks []*async.Task
	for _, target := range m.registry.GetComponentManagers(m.BundleID()) {
		tasks = append(tasks, fn(target))
	}
	return async.NewTask(func() error {
		for _, t := range tasks {
			if err := t.WaitOrRun(m.env.wait()); err != nil {
				return err
			}
		}
		return nil
	})
}

// bind gets the service behind ref and records it under the reference.
func (c *ComponentContext) bind(reference string, ref *framework.ServiceReference) (any, error) {
	svc, err := c.BundleContext().GetService(ref)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.NotFound("service %d is gone", ref.ID())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.bound[reference], boundService{ref: ref, service: svc})
	slices.SortFunc(list, func(a, b boundService) int { return a.ref.Compare(b.ref) })
	c.bound[reference] = list
	return svc, nil
}

// unbind forgets ref and releases its service. It returns the service
// object that was bound, or nil.
func (c *ComponentContext) unbind(reference string, ref *framework.ServiceReference) any {
	c.mu.Lock()
	var svc any
	c.bound[reference] = slices.DeleteFunc(c.bound[reference], func(b boundService) bool {
		if b.ref == ref {
			svc = b.service
			return true
		}
		return false
	})
	c.mu.Unlock()
	if svc != nil {
		c.BundleContext().UngetService(ref)
	}
	return svc
}

// invalidate releases every bound service and returns what was bound.
func (c *ComponentContext) invalidate() map[string][]boundService {
	c.mu.Lock()
	bound := c.bound
	c.bound = make(map[string][]boundService)
	c.valid = false
	c.mu.Unlock()

	for _, list := range bound {
		for _, b := range list {
			c.BundleContext().UngetService(b.ref)
		}
	}
	return bound
}

type componentInstance struct {
	object any
	ctx    *ComponentContext
}

// callUser runs component code and turns a panic into an error.
func callUser(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Runtime("component code panicked: %v", r)
		}
	}()
	return fn()
}
