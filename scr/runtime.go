package scr

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kochabonline/scr/async"
	"github.com/kochabonline/scr/cm"
	"github.com/kochabonline/scr/core/reflect"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/metric"
)

// RuntimeInterface is the objectclass of the introspection service.
const RuntimeInterface = "scr.ServiceComponentRuntime"

type Config struct {
	// Workers sizes the pool used while no async work service is registered.
	Workers int `mapstructure:"workers" default:"2" validate:"gte=0"`
	// InitializeWait is how long, in milliseconds, enabling a component waits
	// for the async service before running the work itself.
	InitializeWait int           `mapstructure:"initializeWait" default:"50" validate:"gte=0"`
	Metrics        metric.Config `mapstructure:"metrics"`
}

type Option func(*Runtime)

// WithConstructor registers the constructor of an implementation class.
func WithConstructor(implClass string, ctor Constructor) Option {
	return func(r *Runtime) {
		r.env.constructors[implClass] = ctor
	}
}

func WithMetrics(m *metric.Metrics) Option {
	return func(r *Runtime) {
		r.env.metrics = m
	}
}

func WithConfig(c Config) Option {
	return func(r *Runtime) {
		r.config = c
	}
}

// Runtime manages the components of every active bundle that declares them
// in its manifest. It lives in the system bundle of the framework.
type Runtime struct {
	fw     *framework.Framework
	config Config
	env    *environment

	logger     *Logger
	async      *AsyncWorkTracker
	registry   *ComponentRegistry
	extensions *ExtensionRegistry
	notifier   *ConfigurationNotifier

	// mu orders bundle events against Stop.
	mu          sync.RWMutex
	started     bool
	stopped     bool
	bundleToken int64
	regs        []*framework.ServiceRegistration
}

func NewRuntime(fw *framework.Framework, opts ...Option) *Runtime {
	r := &Runtime{
		fw: fw,
		env: &environment{
			constructors: make(map[string]Constructor),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := reflect.SetDefaultTag(&r.config); err != nil {
		log.Warn().Err(err).Msg("scr config defaults")
	}
	r.env.initializeWait = time.Duration(r.config.InitializeWait) * time.Millisecond
	return r
}

// Start begins tracking bundles. The framework has to be started.
func (r *Runtime) Start(ctx context.Context) error {
	if r.fw == nil {
		return errors.InvalidArgument("nil framework")
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.Conflict("component runtime already started")
	}
	bc := r.fw.Context()
	r.logger = NewLogger(bc)
	r.async = NewAsyncWorkTracker(bc, r.logger, r.config.Workers)
	r.registry = NewComponentRegistry()
	r.extensions = NewExtensionRegistry()
	r.extensions.metrics = r.env.metrics

	notifier, err := NewConfigurationNotifier(bc, r.logger, r.async, r.extensions)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	notifier.metrics = r.env.metrics
	r.notifier = notifier

	r.bundleToken, err = bc.AddBundleListener(r.bundleChanged)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.started = true
	r.mu.Unlock()

	for _, b := range bc.Bundles() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b.State() == framework.BundleActive {
			r.createExtension(b)
		}
	}

	listener, err := NewConfigurationListener(bc, r.logger, notifier)
	if err != nil {
		return err
	}
	if err := r.register([]string{cm.ListenerInterface}, listener); err != nil {
		return err
	}
	if err := r.register([]string{RuntimeInterface}, r); err != nil {
		return err
	}
	log.Info().Int("extensions", len(r.extensions.BundleIDs())).Msg("component runtime started")
	return nil
}

func (r *Runtime) register(ifaces []string, svc any) error {
	reg, err := r.fw.Context().RegisterService(ifaces, svc, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.regs = append(r.regs, reg)
	r.mu.Unlock()
	return nil
}

// Stop disposes every extension. It has to run before the framework stops.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	regs := r.regs
	r.regs = nil
	r.mu.Unlock()

	bc := r.fw.Context()
	bc.RemoveBundleListener(r.bundleToken)
	for _, reg := range regs {
		_ = reg.Unregister()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.extensions.Clear()
		r.registry.Clear()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("component runtime stop interrupted")
		return ctx.Err()
	}

	r.logger.StopTracking()
	r.async.StopTracking()
	log.Info().Msg("component runtime stopped")
	return nil
}

func (r *Runtime) bundleChanged(evt framework.BundleEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped || evt.Bundle == r.fw.Bundle() {
		return
	}
	switch evt.Type {
	case framework.BundleEventStarted:
		r.createExtension(evt.Bundle)
	case framework.BundleEventStopping:
		r.disposeExtension(evt.Bundle)
	}
}

func (r *Runtime) createExtension(b *framework.Bundle) {
	if _, ok := b.Manifest()[ManifestKey]; !ok {
		return
	}
	if _, ok := r.extensions.Find(b.ID()); ok {
		return
	}
	ext, err := NewExtension(b, r.registry, r.logger, r.notifier)
	if err != nil {
		log.Error().Err(err).Int64("bundle", b.ID()).Msg("failed to create component extension")
		return
	}
	ext.env = r.env
	if !r.extensions.Add(b.ID(), ext) {
		return
	}
	if err := ext.Initialize(b.Manifest(), r.async); err != nil {
		r.logger.LogError(level.Error, "failed to load the components of bundle "+b.SymbolicName(), err)
		if errors.IsSecurity(err) {
			r.extensions.Remove(b.ID())
		}
		return
	}
	log.Debug().Int64("bundle", b.ID()).Int("components", len(ext.ComponentManagers())).Msg("component extension created")
}

func (r *Runtime) disposeExtension(b *framework.Bundle) {
	r.extensions.Remove(b.ID())
}

// ReferenceDescription describes one reference of a component.
type ReferenceDescription struct {
	Name        string `json:"name"`
	Interface   string `json:"interface"`
	Target      string `json:"target"`
	Cardinality string `json:"cardinality"`
	Policy      string `json:"policy"`
}

type ComponentDescription struct {
	Name                string                 `json:"name"`
	BundleID            int64                  `json:"bundleId"`
	ImplClassName       string                 `json:"implementationClass"`
	DefaultEnabled      bool                   `json:"defaultEnabled"`
	Immediate           bool                   `json:"immediate"`
	ServiceInterfaces   []string               `json:"serviceInterfaces"`
	Scope               string                 `json:"scope"`
	Factory             string                 `json:"factory"`
	Properties          map[string]any         `json:"properties"`
	ConfigurationPolicy string                 `json:"configurationPolicy"`
	ConfigurationPids   []string               `json:"configurationPid"`
	References          []ReferenceDescription `json:"references"`
}

type SatisfiedReference struct {
	Name  string  `json:"name"`
	Bound []int64 `json:"boundServices"`
}

type UnsatisfiedReference struct {
	Name    string  `json:"name"`
	Targets []int64 `json:"targetServices"`
}

type ComponentConfigurationDescription struct {
	ID                    int64                  `json:"id"`
	Component             string                 `json:"component"`
	State                 string                 `json:"state"`
	Properties            map[string]any         `json:"properties"`
	SatisfiedReferences   []SatisfiedReference   `json:"satisfiedReferences"`
	UnsatisfiedReferences []UnsatisfiedReference `json:"unsatisfiedReferences"`
}

func describe(m *ComponentManager) ComponentDescription {
	md := m.Metadata()
	d := ComponentDescription{
		Name:                md.Name,
		BundleID:            m.BundleID(),
		ImplClassName:       md.ImplClassName,
		DefaultEnabled:      md.Enabled,
		Immediate:           md.Immediate,
		ServiceInterfaces:   slices.Clone(md.Service.Interfaces),
		Scope:               md.Service.Scope,
		Factory:             md.FactoryComponentID,
		Properties:          md.Clone().Properties,
		ConfigurationPolicy: md.ConfigurationPolicy,
		ConfigurationPids:   slices.Clone(md.ConfigurationPids),
	}
	for _, ref := range md.Refs {
		d.References = append(d.References, ReferenceDescription{
			Name:        ref.Name,
			Interface:   ref.Interface,
			Target:      ref.Target,
			Cardinality: ref.Cardinality,
			Policy:      ref.Policy,
		})
	}
	return d
}

func serviceIDs(refs []*framework.ServiceReference) []int64 {
	ids := make([]int64, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID())
	}
	return ids
}

// ComponentDescriptions describes the components of the given bundles, or
// of every bundle when none is given.
func (r *Runtime) ComponentDescriptions(bundleIDs ...int64) []ComponentDescription {
	if r.registry == nil {
		return nil
	}
	var managers []*ComponentManager
	if len(bundleIDs) == 0 {
		managers = r.registry.All()
	} else {
		for _, id := range bundleIDs {
			managers = append(managers, r.registry.GetComponentManagers(id)...)
		}
	}
	out := make([]ComponentDescription, 0, len(managers))
	for _, m := range managers {
		out = append(out, describe(m))
	}
	return out
}

func (r *Runtime) ComponentDescription(bundleID int64, name string) (ComponentDescription, bool) {
	m, ok := r.manager(bundleID, name)
	if !ok {
		return ComponentDescription{}, false
	}
	return describe(m), true
}

func (r *Runtime) manager(bundleID int64, name string) (*ComponentManager, bool) {
	if r.registry == nil {
		return nil, false
	}
	return r.registry.GetComponentManager(bundleID, name)
}

// ComponentConfigurations describes the live configurations of a component.
func (r *Runtime) ComponentConfigurations(desc ComponentDescription) []ComponentConfigurationDescription {
	m, ok := r.manager(desc.BundleID, desc.Name)
	if !ok {
		return nil
	}
	var out []ComponentConfigurationDescription
	for _, c := range m.ComponentConfigurations() {
		d := ComponentConfigurationDescription{
			ID:         c.ID(),
			Component:  desc.Name,
			State:      c.State().String(),
			Properties: c.Properties(),
		}
		for _, ref := range c.References() {
			if ref.IsSatisfied() {
				d.SatisfiedReferences = append(d.SatisfiedReferences, SatisfiedReference{
					Name:  ref.Name(),
					Bound: serviceIDs(ref.BoundReferences()),
				})
			} else {
				d.UnsatisfiedReferences = append(d.UnsatisfiedReferences, UnsatisfiedReference{
					Name:    ref.Name(),
					Targets: serviceIDs(ref.TargetReferences()),
				})
			}
		}
		out = append(out, d)
	}
	return out
}

func (r *Runtime) IsComponentEnabled(desc ComponentDescription) bool {
	m, ok := r.manager(desc.BundleID, desc.Name)
	return ok && m.IsEnabled()
}

func (r *Runtime) EnableComponent(desc ComponentDescription) *async.Task {
	m, ok := r.manager(desc.BundleID, desc.Name)
	if !ok {
		return async.Completed(errors.NotFound("no component %s in bundle %d", desc.Name, desc.BundleID))
	}
	return m.Enable()
}

func (r *Runtime) DisableComponent(desc ComponentDescription) *async.Task {
	m, ok := r.manager(desc.BundleID, desc.Name)
	if !ok {
		return async.Completed(errors.NotFound("no component %s in bundle %d", desc.Name, desc.BundleID))
	}
	return m.Disable()
}

// Snapshot returns every component with its configurations as plain maps,
// keyed by the json names of the description fields.
func (r *Runtime) Snapshot() ([]map[string]any, error) {
	descs := r.ComponentDescriptions()
	out := make([]map[string]any, 0, len(descs))
	for _, d := range descs {
		m, err := reflect.StructConvMap(d, reflect.WithMapSkipEmpty())
		if err != nil {
			return nil, err
		}
		var configs []map[string]any
		for _, c := range r.ComponentConfigurations(d) {
			entry, err := reflect.StructConvMap(c, reflect.WithMapSkipEmpty())
			if err != nil {
				return nil, err
			}
			configs = append(configs, entry)
		}
		m["configurations"] = configs
		out = append(out, m)
	}
	return out, nil
}
