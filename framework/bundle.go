package framework

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/log"
)

type BundleState int32

const (
	BundleUninstalled BundleState = iota + 1
	BundleInstalled
	BundleResolved
	BundleStarting
	BundleStopping
	BundleActive
)

func (s BundleState) String() string {
	switch s {
	case BundleUninstalled:
		return "UNINSTALLED"
	case BundleInstalled:
		return "INSTALLED"
	case BundleResolved:
		return "RESOLVED"
	case BundleStarting:
		return "STARTING"
	case BundleStopping:
		return "STOPPING"
	case BundleActive:
		return "ACTIVE"
	}
	return "UNKNOWN"
}

type BundleEventType int

const (
	BundleEventInstalled BundleEventType = iota + 1
	BundleEventStarting
	BundleEventStarted
	BundleEventStopping
	BundleEventStopped
	BundleEventUninstalled
)

func (t BundleEventType) String() string {
	switch t {
	case BundleEventInstalled:
		return "INSTALLED"
	case BundleEventStarting:
		return "STARTING"
	case BundleEventStarted:
		return "STARTED"
	case BundleEventStopping:
		return "STOPPING"
	case BundleEventStopped:
		return "STOPPED"
	case BundleEventUninstalled:
		return "UNINSTALLED"
	}
	return "UNKNOWN"
}

type BundleEvent struct {
	Type   BundleEventType
	Bundle *Bundle
}

type BundleListener func(BundleEvent)

type Bundle struct {
	fw      *Framework
	id      int64
	archive *Archive

	location     string
	symbolicName string
	manifest     map[string]any

	// lifecycle serialises Start, Stop and Uninstall of this bundle.
	lifecycle sync.Mutex
	state     atomic.Int32
	ctx       atomic.Pointer[BundleContext]
}

func newBundle(fw *Framework, a *Archive) *Bundle {
	b := &Bundle{
		fw:           fw,
		id:           a.BundleID(),
		archive:      a,
		location:     a.ResourceContainer().Location(),
		symbolicName: a.SymbolicName(),
		manifest:     a.Manifest(),
	}
	b.state.Store(int32(BundleInstalled))
	return b
}

func (b *Bundle) ID() int64 { return b.id }
func (b *Bundle) Location() string { return b.location }
func (b *Bundle) SymbolicName() string { return b.symbolicName }
func (b *Bundle) Manifest() map[string]any { return b.manifest }
func (b *Bundle) Archive() *Archive { return b.archive }
func (b *Bundle) State() BundleState { return BundleState(b.state.Load()) }
func (b *Bundle) Framework() *Framework { return b.fw }

// Context returns the bundle context, or nil unless the bundle is starting,
// active or stopping.
func (b *Bundle) Context() *BundleContext {
	return b.ctx.Load()
}

func (b *Bundle) String() string {
	return b.symbolicName
}

// Start validates the bundle, publishes its context and fires STARTING and
// STARTED. Starting an active bundle is a no-op.
func (b *Bundle) Start() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	switch b.State() {
	case BundleActive:
		return nil
	case BundleUninstalled:
		return errors.Runtime("bundle %s is uninstalled", b.symbolicName)
	}

	if err := b.fw.validate(b); err != nil {
		return err
	}

	b.state.Store(int32(BundleStarting))
	b.ctx.Store(newBundleContext(b))
	b.fw.fireBundleEvent(BundleEvent{Type: BundleEventStarting, Bundle: b})
	b.state.Store(int32(BundleActive))
	b.fw.fireBundleEvent(BundleEvent{Type: BundleEventStarted, Bundle: b})

	log.Debug().Int64("bundle", b.id).Str("name", b.symbolicName).Msg("bundle started")
	return nil
}

// Stop fires STOPPING, releases everything the bundle registered or
// obtained and invalidates its context.
func (b *Bundle) Stop() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.stop()
}

func (b *Bundle) stop() error {
	if b.State() != BundleActive {
		return nil
	}

	b.state.Store(int32(BundleStopping))
	b.fw.fireBundleEvent(BundleEvent{Type: BundleEventStopping, Bundle: b})

	ctx := b.ctx.Load()
	for _, reg := range b.fw.services.bundleRegistrations(b) {
		_ = reg.Unregister()
	}
	b.fw.services.removeBundleListeners(b)
	b.fw.removeBundleListeners(b)
	if ctx != nil {
		ctx.invalidate()
	}
	b.ctx.Store(nil)

	b.state.Store(int32(BundleResolved))
	b.fw.fireBundleEvent(BundleEvent{Type: BundleEventStopped, Bundle: b})

	log.Debug().Int64("bundle", b.id).Str("name", b.symbolicName).Msg("bundle stopped")
	return nil
}

// Uninstall stops the bundle, drops it from the registry and purges its archive.
func (b *Bundle) Uninstall() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.State() == BundleUninstalled {
		return errors.Runtime("bundle %s is already uninstalled", b.symbolicName)
	}
	if err := b.stop(); err != nil {
		return err
	}
	b.state.Store(int32(BundleUninstalled))
	b.fw.registry.remove(b)
	if b.archive != nil {
		if err := b.archive.Purge(); err != nil {
			log.Warn().Err(err).Int64("bundle", b.id).Msg("failed to purge archive")
		}
	}
	b.fw.fireBundleEvent(BundleEvent{Type: BundleEventUninstalled, Bundle: b})
	return nil
}

type bundleListenerEntry struct {
	token    int64
	bundle   *Bundle
	listener BundleListener
}

type bundleListeners struct {
	mu        sync.RWMutex
	next      int64
	listeners []*bundleListenerEntry
}

func (l *bundleListeners) add(b *Bundle, fn BundleListener) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.listeners = append(l.listeners, &bundleListenerEntry{token: l.next, bundle: b, listener: fn})
	return l.next
}

func (l *bundleListeners) remove(token int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = slices.DeleteFunc(l.listeners, func(e *bundleListenerEntry) bool { return e.token == token })
}

func (l *bundleListeners) removeBundle(b *Bundle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = slices.DeleteFunc(l.listeners, func(e *bundleListenerEntry) bool { return e.bundle == b })
}

func (l *bundleListeners) snapshot() []*bundleListenerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.listeners)
}
