package scr

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/kochabonline/scr/cm"
	"github.com/kochabonline/scr/core/concurrency"
	"github.com/kochabonline/scr/core/ldap"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
)

type ComponentState int32

const (
	StateUnsatisfiedReference ComponentState = iota + 1
	StateSatisfied
	StateActive
)

func (s ComponentState) String() string {
	switch s {
	case StateUnsatisfiedReference:
		return "UNSATISFIED_REFERENCE"
	case StateSatisfied:
		return "SATISFIED"
	case StateActive:
		return "ACTIVE"
	}
	return "UNKNOWN"
}

var componentIDs atomic.Int64

// registration owns the service registration of one satisfied period. It
// may be released before RegisterService returns; the late registration is
// then unregistered right away.
type registration struct {
	mu       sync.Mutex
	reg      *framework.ServiceRegistration
	released bool
}

func (r *registration) set(reg *framework.ServiceRegistration) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		_ = reg.Unregister()
		return
	}
	r.reg = reg
	r.mu.Unlock()
}

func (r *registration) release() {
	if r == nil {
		return
	}
	r.mu.Lock()
	reg := r.reg
	r.reg, r.released = nil, true
	r.mu.Unlock()
	if reg != nil {
		_ = reg.Unregister()
	}
}

func (r *registration) setProperties(props map[string]any) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	reg := r.reg
	r.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.SetProperties(props)
}

func (r *registration) reference() *framework.ServiceReference {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reg == nil {
		return nil
	}
	return r.reg.Reference()
}

// ccState is replaced as a whole on every transition.
type ccState struct {
	value ComponentState
	reg   *registration
	// latch counts the activations in flight while active.
	latch *concurrency.CounterLatch

	mu   sync.Mutex
	inst *componentInstance
}

type pidToken struct {
	pid   string
	token ListenerToken
}

// ComponentConfiguration is the runtime side of one configuration of a
// component: it registers the service while the component is satisfied and
// creates the instance on demand.
type ComponentConfiguration struct {
	id       int64
	metadata *ComponentMetadata
	manager  *ComponentManager
	logger   logservice.LogService
	config   *ConfigurationManager

	refs         []*ReferenceManager
	refTokens    []uint64
	configTokens []pidToken

	state   atomic.Pointer[ccState]
	stopped atomic.Bool
}

func newComponentConfiguration(m *ComponentManager) (*ComponentConfiguration, error) {
	c := &ComponentConfiguration{
		id:       componentIDs.Add(1),
		metadata: m.metadata,
		manager:  m,
		logger:   m.logger,
	}
	c.state.Store(&ccState{value: StateUnsatisfiedReference})

	for _, md := range m.metadata.Refs {
		r, err := NewReferenceManager(md, m.ctx, m.logger, m.metadata.Name)
		if err != nil {
			for _, opened := range c.refs {
				opened.StopTracking()
			}
			return nil, err
		}
		c.refs = append(c.refs, r)
	}
	if m.metadata.usesConfiguration() {
		c.config = NewConfigurationManager(m.metadata, m.ctx, m.logger)
	}
	return c, nil
}

func (c *ComponentConfiguration) ID() int64 { return c.id }

func (c *ComponentConfiguration) Metadata() *ComponentMetadata { return c.metadata }

func (c *ComponentConfiguration) State() ComponentState { return c.state.Load().value }

func (c *ComponentConfiguration) References() []*ReferenceManager { return c.refs }

// Initialize starts listening for reference and configuration changes and
// registers the component if it is already satisfied.
func (c *ComponentConfiguration) Initialize() error {
	for _, r := range c.refs {
		c.refTokens = append(c.refTokens, r.RegisterListener(c.refChanged))
	}
	if c.config != nil {
		for _, pid := range c.metadata.ConfigurationPids {
			token := c.manager.notifier.RegisterListener(pid, c.configChanged, c)
			c.configTokens = append(c.configTokens, pidToken{pid: pid, token: token})
		}
		c.config.Initialize()
	}
	if c.metadata.IsFactory() {
		return c.createExistingInstances()
	}
	if c.satisfied() {
		return c.Register()
	}
	c.logger.Log(level.Debug, "component "+c.metadata.Name+" is not satisfied yet")
	return nil
}

// createExistingInstances creates a factory instance for every factory
// configuration that already exists for the template.
func (c *ComponentConfiguration) createExistingInstances() error {
	admin, release := configurationAdmin(c.manager.ctx)
	if admin == nil {
		return nil
	}
	defer release()

	for _, pid := range c.metadata.ConfigurationPids {
		cfgs, err := admin.ListConfigurations("(pid=" + ldap.Escape(pid+cm.FactorySeparator) + "*)")
		if err != nil {
			c.logger.LogError(level.Error, "failed to list factory configurations for "+pid, err)
			continue
		}
		for _, cfg := range cfgs {
			if factory, _, ok := cm.SplitFactoryPID(cfg.PID()); !ok || factory != pid {
				continue
			}
			if err := c.manager.notifier.CreateFactoryComponent(pid, cfg.PID(), c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop detaches the configuration from its listeners and trackers. It does
// not deactivate.
func (c *ComponentConfiguration) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	for i, r := range c.refs {
		if i < len(c.refTokens) {
			r.UnregisterListener(c.refTokens[i])
		}
		r.StopTracking()
	}
	for _, t := range c.configTokens {
		c.manager.notifier.UnregisterListener(t.pid, t.token)
	}
}

func (c *ComponentConfiguration) Stopped() bool { return c.stopped.Load() }

func (c *ComponentConfiguration) refsSatisfied() bool {
	for _, r := range c.refs {
		if !r.IsSatisfied() {
			return false
		}
	}
	return true
}

func (c *ComponentConfiguration) configSatisfied() bool {
	return c.config == nil || c.config.IsConfigSatisfied()
}

func (c *ComponentConfiguration) satisfied() bool {
	return c.refsSatisfied() && c.configSatisfied()
}

// Properties returns the component properties as seen by the instance and
// the service registration.
func (c *ComponentConfiguration) Properties() map[string]any {
	var props map[string]any
	switch {
	case c.metadata.IsFactory():
		props = maps.Clone(c.metadata.FactoryComponentProperties)
	case c.config != nil:
		props = c.config.Properties()
	default:
		props = maps.Clone(c.metadata.Properties)
	}
	if props == nil {
		props = make(map[string]any)
	}
	props[ComponentName] = c.metadata.Name
	if c.metadata.IsFactory() {
		props[ComponentFactoryKey] = c.metadata.FactoryComponentID
	} else {
		props[ComponentID] = c.id
	}
	return props
}

func (c *ComponentConfiguration) registrationProperties() map[string]any {
	props := c.Properties()
	props[framework.ServiceScope] = c.metadata.Service.Scope
	return props
}

// Register moves an unsatisfied configuration to satisfied, publishes its
// service and activates it when the component is immediate.
func (c *ComponentConfiguration) Register() error {
	if c.metadata.IsFactory() || c.stopped.Load() {
		return nil
	}
	for {
		cur := c.state.Load()
		if cur.value != StateUnsatisfiedReference {
			return nil
		}
		next := &ccState{value: StateSatisfied, reg: &registration{}}
		if !c.state.CompareAndSwap(cur, next) {
			continue
		}

		if c.metadata.ProvidesService() {
			reg, err := c.manager.ctx.RegisterService(c.metadata.Service.Interfaces, &serviceFactory{config: c}, c.registrationProperties())
			if err != nil {
				c.logger.LogError(level.Error, "failed to register the service of component "+c.metadata.Name, err)
				c.state.CompareAndSwap(next, &ccState{value: StateUnsatisfiedReference})
				return err
			}
			next.reg.set(reg)
		}
		c.logger.Log(level.Debug, "component "+c.metadata.Name+" is satisfied")

		// a dependency may have gone away while registering
		if !c.satisfied() {
			c.Deactivate()
			return nil
		}
		if c.metadata.Immediate || !c.metadata.ProvidesService() {
			_, err := c.activate()
			return err
		}
		return nil
	}
}

// activate returns the instance, creating it if needed. It returns nil
// without error when the component is not satisfied or user code failed.
func (c *ComponentConfiguration) activate() (any, error) {
	for {
		cur := c.state.Load()
		switch cur.value {
		case StateSatisfied:
			next := &ccState{value: StateActive, reg: cur.reg, latch: concurrency.NewCounterLatch()}
			if !c.state.CompareAndSwap(cur, next) {
				continue
			}
			cur = next
		case StateActive:
		default:
			c.logger.Log(level.Warn, "component "+c.metadata.Name+" can not be activated, it is not satisfied")
			return nil, nil
		}

		if !cur.latch.CountUp() {
			return nil, nil
		}
		obj, err := c.getInstance(cur)
		cur.latch.CountDown()
		return obj, err
	}
}

func (c *ComponentConfiguration) getInstance(st *ccState) (any, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inst != nil {
		return st.inst.object, nil
	}

	metrics := c.manager.env.metrics
	inst, err := c.createInstance()
	if err != nil {
		metrics.ActivationFailed(c.metadata.Name)
		if errors.MustPropagate(err) {
			c.logger.LogError(level.Error, "could not create instance of component "+c.metadata.Name, err)
			return nil, err
		}
		c.logger.LogError(level.Error, "activation of component "+c.metadata.Name+" failed", err)
		return nil, nil
	}
	st.inst = inst
	metrics.Activated(c.metadata.Name)
	c.logger.Log(level.Info, "component "+c.metadata.Name+" activated")
	return inst.object, nil
}

func (c *ComponentConfiguration) createInstance() (*componentInstance, error) {
	bundle := c.manager.Bundle()
	if err := bundle.Framework().Validate(bundle); err != nil {
		return nil, err
	}
	ctor, ok := c.manager.env.constructors[c.metadata.ImplClassName]
	if !ok {
		return nil, errors.SharedLibrary("no constructor for implementation class %s", c.metadata.ImplClassName)
	}
	var obj any
	if err := callUser(func() error { obj = ctor(); return nil }); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.Runtime("constructor of %s returned nil", c.metadata.ImplClassName)
	}

	cctx := newComponentContext(c, c.Properties())
	binder, _ := obj.(Binder)
	for _, r := range c.refs {
		for _, ref := range r.BoundReferences() {
			svc, err := cctx.bind(r.Name(), ref)
			if err != nil {
				if errors.IsSecurity(err) {
					cctx.invalidate()
					return nil, err
				}
				c.logger.LogRefError(ref, level.Error, "failed to get service for reference "+r.Name(), err)
				continue
			}
			if binder != nil {
				if err := callUser(func() error { return binder.Bind(r.Name(), svc) }); err != nil {
					c.logger.LogRefError(ref, level.Error, "failed to bind reference "+r.Name(), err)
				}
			}
		}
	}

	if a, ok := obj.(Activator); ok {
		if err := callUser(func() error { return a.Activate(cctx) }); err != nil {
			cctx.invalidate()
			return nil, err
		}
	}
	return &componentInstance{object: obj, ctx: cctx}, nil
}

// Deactivate returns the configuration to unsatisfied, unregistering its
// service and destroying the instance once in-flight activations are done.
func (c *ComponentConfiguration) Deactivate() {
	for {
		cur := c.state.Load()
		if cur.value == StateUnsatisfiedReference {
			return
		}
		if !c.state.CompareAndSwap(cur, &ccState{value: StateUnsatisfiedReference}) {
			continue
		}
		cur.reg.release()
		if cur.value == StateActive {
			if err := cur.latch.Wait(); err != nil {
				c.logger.LogError(level.Warn, "deactivating component "+c.metadata.Name, err)
			}
			c.destroy(cur)
		}
		c.logger.Log(level.Debug, "component "+c.metadata.Name+" deactivated")
		return
	}
}

func (c *ComponentConfiguration) destroy(st *ccState) {
	st.mu.Lock()
	inst := st.inst
	st.inst = nil
	st.mu.Unlock()
	if inst == nil {
		return
	}

	if d, ok := inst.object.(Deactivator); ok {
		if err := callUser(func() error { return d.Deactivate(inst.ctx) }); err != nil {
			c.logger.LogError(level.Error, "deactivate of component "+c.metadata.Name+" failed", err)
		}
	}
	bound := inst.ctx.invalidate()
	if binder, ok := inst.object.(Binder); ok {
		for name, list := range bound {
			for _, b := range list {
				if err := callUser(func() error { return binder.Unbind(name, b.service) }); err != nil {
					c.logger.LogRefError(b.ref, level.Error, "failed to unbind reference "+name, err)
				}
			}
		}
	}
	c.manager.env.metrics.Deactivated()
}

// modified pushes new properties into the live configuration. It returns
// false when the component had to be deactivated instead.
func (c *ComponentConfiguration) modified() bool {
	cur := c.state.Load()
	switch cur.value {
	case StateSatisfied:
		c.updateRegistration(cur)
		return true
	case StateActive:
		cur.mu.Lock()
		inst := cur.inst
		cur.mu.Unlock()
		if inst == nil {
			c.updateRegistration(cur)
			return true
		}
		m, ok := inst.object.(Modifier)
		if !ok {
			c.Deactivate()
			return false
		}
		props := c.Properties()
		inst.ctx.setProperties(props)
		if err := callUser(func() error { return m.Modified(inst.ctx, maps.Clone(props)) }); err != nil {
			c.logger.LogError(level.Error, "modified of component "+c.metadata.Name+" failed", err)
			c.Deactivate()
			return false
		}
		c.updateRegistration(cur)
		return true
	}
	return false
}

func (c *ComponentConfiguration) updateRegistration(st *ccState) {
	if err := st.reg.setProperties(c.registrationProperties()); err != nil {
		c.logger.LogError(level.Warn, "failed to update service properties of "+c.metadata.Name, err)
	}
}

func (c *ComponentConfiguration) configChanged(n *ConfigChangeNotification) {
	if c.config == nil || c.metadata.IsFactory() {
		return
	}
	was, now, applied := c.config.Update(n)
	if !applied {
		return
	}
	switch {
	case was && now:
		if !c.modified() && c.satisfied() {
			c.logIfErr(c.Register())
		}
	case !was && now:
		if c.refsSatisfied() {
			c.logIfErr(c.Register())
		}
	case was && !now:
		c.Deactivate()
	}
}

func (c *ComponentConfiguration) refChanged(n RefChangeNotification) {
	switch n.Event {
	case BecameSatisfied:
		if c.satisfied() {
			c.logIfErr(c.Register())
		}
	case BecameUnsatisfied:
		c.Deactivate()
	case Rebind:
		c.rebind(n)
	}
}

// rebind swaps dynamic reference services of the active instance.
func (c *ComponentConfiguration) rebind(n RefChangeNotification) {
	cur := c.state.Load()
	if cur.value != StateActive {
		return
	}
	cur.mu.Lock()
	inst := cur.inst
	cur.mu.Unlock()
	if inst == nil {
		return
	}
	binder, _ := inst.object.(Binder)

	if n.Bind != nil {
		svc, err := inst.ctx.bind(n.Name, n.Bind)
		if err != nil {
			c.logger.LogRefError(n.Bind, level.Error, "failed to get service for reference "+n.Name, err)
		} else if binder != nil {
			if err := callUser(func() error { return binder.Bind(n.Name, svc) }); err != nil {
				c.logger.LogRefError(n.Bind, level.Error, "failed to bind reference "+n.Name, err)
			}
		}
	}
	if n.Unbind != nil {
		if svc := inst.ctx.unbind(n.Name, n.Unbind); svc != nil && binder != nil {
			if err := callUser(func() error { return binder.Unbind(n.Name, svc) }); err != nil {
				c.logger.LogRefError(n.Unbind, level.Error, "failed to unbind reference "+n.Name, err)
			}
		}
	}
}

func (c *ComponentConfiguration) logIfErr(err error) {
	if err != nil {
		c.logger.LogError(level.Error, "component "+c.metadata.Name+" failed to register", err)
	}
}

// ServiceReference returns the reference of the registered service, or
// nil when the component is not registered.
func (c *ComponentConfiguration) ServiceReference() *framework.ServiceReference {
	return c.state.Load().reg.reference()
}

// serviceFactory activates the component when some bundle first gets its
// service. Every bundle receives the same instance.
type serviceFactory struct {
	config *ComponentConfiguration
}

func (f *serviceFactory) GetService(*framework.Bundle, *framework.ServiceRegistration) (any, error) {
	obj, err := f.config.activate()
	if err != nil && errors.IsSecurity(err) {
		f.config.manager.disableBundle()
	}
	return obj, err
}

func (f *serviceFactory) UngetService(*framework.Bundle, *framework.ServiceRegistration, any) {}
