// Package framework is a compact in-process module system: bundles with a
// lifecycle, a service registry with filter queries and trackers, and a
// bundle registry that installs bundles from in-memory manifests.
package framework

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/log"
)

const SystemBundleSymbolicName = "system_bundle"

// BundleValidator is consulted before a bundle starts and before code of the
// bundle is loaded. A non-nil error rejects the bundle.
type BundleValidator func(b *Bundle) error

type Framework struct {
	uuid string

	storage         Storage
	validator       BundleValidator
	hooks           []BundleFilterHook
	registry        *BundleRegistry
	services        *serviceRegistry
	bundleListeners bundleListeners

	system *Bundle
	mu     sync.Mutex
	active atomic.Bool
}

type Option func(*Framework)

func WithStorage(s Storage) Option {
	return func(f *Framework) {
		f.storage = s
	}
}

func WithBundleValidator(v BundleValidator) Option {
	return func(f *Framework) {
		f.validator = v
	}
}

func WithFilterHook(h BundleFilterHook) Option {
	return func(f *Framework) {
		f.hooks = append(f.hooks, h)
	}
}

func New(opts ...Option) *Framework {
	f := &Framework{
		uuid:    uuid.NewString(),
		storage: NewMemoryStorage(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.registry = newBundleRegistry(f)
	f.services = newServiceRegistry(f)
	f.system = &Bundle{
		fw:           f,
		id:           0,
		location:     SystemBundleSymbolicName,
		symbolicName: SystemBundleSymbolicName,
		manifest:     map[string]any{},
	}
	f.system.state.Store(int32(BundleInstalled))
	f.registry.addSystem(f.system)
	return f
}

func (f *Framework) UUID() string { return f.uuid }

func (f *Framework) Bundle() *Bundle { return f.system }

// Context returns the system bundle context, nil before Start.
func (f *Framework) Context() *BundleContext { return f.system.Context() }

func (f *Framework) BundleRegistry() *BundleRegistry { return f.registry }

func (f *Framework) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active.Load() {
		return nil
	}
	f.active.Store(true)
	if err := f.system.Start(); err != nil {
		f.active.Store(false)
		return err
	}
	log.Info().Str("uuid", f.uuid).Msg("framework started")
	return nil
}

// Stop stops every bundle in reverse install order and then the system bundle.
func (f *Framework) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active.Load() {
		return nil
	}

	bundles := f.registry.All()
	for i := len(bundles) - 1; i >= 0; i-- {
		if bundles[i] == f.system {
			continue
		}
		if err := bundles[i].Stop(); err != nil {
			log.Error().Err(err).Int64("bundle", bundles[i].id).Msg("failed to stop bundle")
		}
	}
	err := f.system.Stop()
	f.active.Store(false)
	log.Info().Str("uuid", f.uuid).Msg("framework stopped")
	return err
}

// Validate runs the bundle validator. Rejections are security errors.
func (f *Framework) Validate(b *Bundle) error {
	return f.validate(b)
}

func (f *Framework) validate(b *Bundle) (err error) {
	if f.validator == nil || b == f.system {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Security("bundle validation of %s panicked: %v", b.symbolicName, r)
		}
	}()
	if verr := f.validator(b); verr != nil {
		if errors.IsSecurity(verr) {
			return verr
		}
		return errors.Security("bundle %s failed validation", b.symbolicName).WithCause(verr)
	}
	return nil
}

func (f *Framework) checkActive() error {
	if !f.active.Load() {
		return errors.Runtime("framework %s is not active", f.uuid)
	}
	return nil
}

func (f *Framework) filterBundle(ctx *BundleContext, b *Bundle) bool {
	for _, h := range f.hooks {
		if !h(ctx, b) {
			return false
		}
	}
	return true
}

func (f *Framework) fireBundleEvent(evt BundleEvent) {
	for _, e := range f.bundleListeners.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Int64("bundle", evt.Bundle.ID()).Str("event", evt.Type.String()).
						Msgf("bundle listener panicked: %v", r)
				}
			}()
			e.listener(evt)
		}()
	}
}

func (f *Framework) removeBundleListeners(b *Bundle) {
	f.bundleListeners.removeBundle(b)
}
