package cm

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/kochabonline/scr/async"
	"github.com/kochabonline/scr/core/ldap"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log"
)

const defaultStoreTimeout = 5 * time.Second

// Admin implements ConfigurationAdmin on top of a framework bundle context.
type Admin struct {
	ctx          *framework.BundleContext
	store        Store
	executor     async.Service
	storeTimeout time.Duration

	mu      sync.Mutex
	configs map[string]*configuration
	// bundleConfigs remembers the change count each bundle manifest
	// produced, so stopping the bundle only removes untouched entries.
	bundleConfigs map[int64]map[string]uint64

	listeners   *framework.ServiceTracker[ConfigurationListener]
	reg         *framework.ServiceRegistration
	bundleToken int64
	deliveries  sync.WaitGroup
}

type Option func(*Admin)

func WithStore(s Store) Option {
	return func(a *Admin) {
		a.store = s
	}
}

// WithExecutor delivers events through svc. A strand of svc is used when
// svc supports it so that listeners see events in update order.
func WithExecutor(svc async.Service) Option {
	return func(a *Admin) {
		if strand, ok := async.NewStrand(svc); ok {
			a.executor = strand
			return
		}
		a.executor = svc
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(a *Admin) {
		a.storeTimeout = d
	}
}

func NewAdmin(ctx *framework.BundleContext, opts ...Option) *Admin {
	a := &Admin{
		ctx:           ctx,
		store:         NewMemoryStore(),
		executor:      async.Inline{},
		storeTimeout:  defaultStoreTimeout,
		configs:       make(map[string]*configuration),
		bundleConfigs: make(map[int64]map[string]uint64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start loads persisted configurations, starts tracking listeners and
// publishes the admin as a service.
func (a *Admin) Start(ctx context.Context) error {
	records, err := a.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CodeRuntime, "failed to load configurations")
	}
	a.mu.Lock()
	for _, rec := range records {
		c := a.newConfiguration(rec.PID, rec.FactoryPID)
		c.props = maps.Clone(rec.Properties)
		c.changeCount = rec.ChangeCount
		a.configs[rec.PID] = c
	}
	a.mu.Unlock()

	a.listeners = framework.NewServiceTracker[ConfigurationListener](a.ctx, ListenerInterface, "", nil)
	if err := a.listeners.Open(); err != nil {
		return err
	}

	a.reg, err = a.ctx.RegisterService([]string{AdminInterface}, a, nil)
	if err != nil {
		a.listeners.Close()
		return err
	}

	a.bundleToken, err = a.ctx.AddBundleListener(a.bundleChanged)
	if err != nil {
		return err
	}
	for _, b := range a.ctx.Bundles() {
		if b.State() == framework.BundleActive {
			a.addBundleConfigurations(b)
		}
	}

	log.Info().Int("configurations", len(records)).Msg("configuration admin started")
	return nil
}

// Stop withdraws the service and waits for pending event deliveries.
func (a *Admin) Stop() {
	a.ctx.RemoveBundleListener(a.bundleToken)
	if a.reg != nil {
		_ = a.reg.Unregister()
	}
	a.WaitForDeliveries()
	if a.listeners != nil {
		a.listeners.Close()
	}
}

// WaitForDeliveries blocks until every queued event was delivered.
func (a *Admin) WaitForDeliveries() {
	a.deliveries.Wait()
}

func (a *Admin) Reference() *framework.ServiceReference {
	if a.reg == nil {
		return nil
	}
	return a.reg.Reference()
}

func (a *Admin) newConfiguration(pid, factoryPID string) *configuration {
	if factoryPID == "" {
		factoryPID = FactoryPID(pid)
	}
	return &configuration{admin: a, pid: pid, factoryPID: factoryPID, props: map[string]any{}}
}

func (a *Admin) GetConfiguration(pid string) (Configuration, error) {
	if pid == "" {
		return nil, errors.InvalidArgument("empty pid")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.configs[pid]
	if !ok {
		c = a.newConfiguration(pid, "")
		a.configs[pid] = c
	}
	return c, nil
}

func (a *Admin) GetFactoryConfiguration(factoryPID, instance string) (Configuration, error) {
	return a.GetConfiguration(factoryPID + FactorySeparator + instance)
}

func (a *Admin) CreateFactoryConfiguration(factoryPID string) (Configuration, error) {
	if factoryPID == "" {
		return nil, errors.InvalidArgument("empty factory pid")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	pid := factoryPID + FactorySeparator + xid.New().String()
	for a.configs[pid] != nil {
		pid = factoryPID + FactorySeparator + xid.New().String()
	}
	c := a.newConfiguration(pid, factoryPID)
	a.configs[pid] = c
	return c, nil
}

func (a *Admin) ListConfigurations(filter string) ([]Configuration, error) {
	var f *ldap.Filter
	if filter != "" {
		var err error
		if f, err = ldap.Parse(filter); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	configs := make([]*configuration, 0, len(a.configs))
	for _, c := range a.configs {
		configs = append(configs, c)
	}
	a.mu.Unlock()
	slices.SortFunc(configs, func(x, y *configuration) int {
		if x.pid < y.pid {
			return -1
		}
		if x.pid > y.pid {
			return 1
		}
		return 0
	})

	var out []Configuration
	for _, c := range configs {
		props, count, removed := c.snapshot()
		if removed || count == 0 {
			continue
		}
		if f != nil && !f.Matches(map[string]any{"pid": c.pid}) && !f.Matches(props) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Apply installs a record that changed outside this admin, typically in a
// shared store. The store is not written back. Records that are not newer
// than the local configuration, or carry equal properties, are ignored.
func (a *Admin) Apply(rec Record) {
	cfg, err := a.GetConfiguration(rec.PID)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring configuration record")
		return
	}
	c := cfg.(*configuration)
	if rec.ChangeCount > 0 && rec.ChangeCount <= c.ChangeCount() {
		return
	}
	if _, err := c.update(rec.Properties, false, true); err != nil {
		log.Warn().Err(err).Str("pid", rec.PID).Msg("failed to apply configuration record")
	}
}

// ApplyDelete removes a configuration deleted outside this admin.
func (a *Admin) ApplyDelete(pid string) {
	a.mu.Lock()
	c, ok := a.configs[pid]
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := c.remove(false); err != nil {
		log.Warn().Err(err).Str("pid", pid).Msg("failed to apply configuration removal")
	}
}

func (a *Admin) forget(c *configuration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.configs[c.pid] == c {
		delete(a.configs, c.pid)
	}
}

func (a *Admin) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.storeTimeout)
}

// notify hands the event to the executor. Listeners are snapshotted now so a
// listener registered later does not see earlier events.
func (a *Admin) notify(pid, factoryPID string, typ EventType) {
	if a.listeners == nil {
		return
	}
	listeners := a.listeners.Services()
	if len(listeners) == 0 {
		return
	}
	evt := Event{Reference: a.Reference(), PID: pid, FactoryPID: factoryPID, Type: typ}

	a.deliveries.Add(1)
	a.executor.Post(async.NewTask(func() error {
		defer a.deliveries.Done()
		for _, l := range listeners {
			deliver(l, evt)
		}
		return nil
	}))
}

func deliver(l ConfigurationListener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("pid", evt.PID).Msgf("configuration listener panicked: %v", r)
		}
	}()
	if err := l.ConfigurationEvent(evt); err != nil {
		log.Error().Err(err).Str("pid", evt.PID).Str("event", evt.Type.String()).Msg("configuration listener failed")
	}
}

type configuration struct {
	admin      *Admin
	pid        string
	factoryPID string

	mu          sync.Mutex
	props       map[string]any
	changeCount uint64
	removed     bool
}

func (c *configuration) PID() string        { return c.pid }
func (c *configuration) FactoryPID() string { return c.factoryPID }

func (c *configuration) snapshot() (map[string]any, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.props), c.changeCount, c.removed
}

func (c *configuration) Properties() map[string]any {
	props, _, _ := c.snapshot()
	return props
}

func (c *configuration) ChangeCount() uint64 {
	_, count, _ := c.snapshot()
	return count
}

func (c *configuration) Update(props map[string]any) error {
	_, err := c.update(props, true, false)
	return err
}

func (c *configuration) UpdateIfDifferent(props map[string]any) (bool, error) {
	return c.update(props, true, true)
}

func (c *configuration) update(props map[string]any, persist, onlyIfDifferent bool) (bool, error) {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return false, errors.Runtime("configuration %s was removed", c.pid)
	}
	if props == nil {
		props = map[string]any{}
	}
	if onlyIfDifferent && c.changeCount > 0 && reflect.DeepEqual(c.props, props) {
		c.mu.Unlock()
		return false, nil
	}
	c.props = maps.Clone(props)
	c.changeCount++
	rec := Record{PID: c.pid, FactoryPID: c.factoryPID, Properties: maps.Clone(c.props), ChangeCount: c.changeCount}
	c.mu.Unlock()

	if persist {
		ctx, cancel := c.admin.storeContext()
		defer cancel()
		if err := c.admin.store.Save(ctx, rec); err != nil {
			return true, errors.Wrap(err, errors.CodeRuntime, "failed to persist configuration %s", c.pid)
		}
	}

	log.Debug().Str("pid", c.pid).Uint64("changeCount", rec.ChangeCount).Msg("configuration updated")
	c.admin.notify(c.pid, c.factoryPID, Updated)
	return true, nil
}

func (c *configuration) Remove() error {
	return c.remove(true)
}

func (c *configuration) remove(persist bool) error {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return errors.Runtime("configuration %s was already removed", c.pid)
	}
	c.removed = true
	c.mu.Unlock()

	c.admin.forget(c)

	if persist {
		ctx, cancel := c.admin.storeContext()
		defer cancel()
		if err := c.admin.store.Delete(ctx, c.pid); err != nil {
			return errors.Wrap(err, errors.CodeRuntime, "failed to delete configuration %s", c.pid)
		}
	}

	log.Debug().Str("pid", c.pid).Msg("configuration removed")
	c.admin.notify(c.pid, c.factoryPID, Deleted)
	return nil
}
