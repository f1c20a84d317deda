package framework

import (
	"fmt"
	"slices"
	"sync"

	"github.com/kochabonline/scr/errors"
)

// TrackerCustomizer decides what a ServiceTracker keeps for each matching
// service. AddingService returning false skips the service.
type TrackerCustomizer[T any] interface {
	AddingService(ref *ServiceReference) (T, bool)
	ModifiedService(ref *ServiceReference, service T)
	RemovedService(ref *ServiceReference, service T)
}

// ServiceTracker follows the services registered under an interface and
// optional filter. Customizer callbacks run with no tracker lock held.
type ServiceTracker[T any] struct {
	ctx        *BundleContext
	filter     string
	customizer TrackerCustomizer[T]

	mu      sync.Mutex
	open    bool
	token   int64
	tracked map[*ServiceReference]T
	adding  map[*ServiceReference]struct{}
}

// NewServiceTracker returns a closed tracker. A nil customizer gets the
// service object from ctx and keeps it when it is a T.
func NewServiceTracker[T any](ctx *BundleContext, iface, filter string, customizer TrackerCustomizer[T]) *ServiceTracker[T] {
	f := fmt.Sprintf("(%s=%s)", ObjectClass, iface)
	if filter != "" {
		f = fmt.Sprintf("(&%s%s)", f, filter)
	}
	t := &ServiceTracker[T]{ctx: ctx, filter: f}
	if customizer == nil {
		customizer = &defaultCustomizer[T]{ctx: ctx}
	}
	t.customizer = customizer
	return t
}

// Open starts tracking. Services already registered are added before Open returns.
func (t *ServiceTracker[T]) Open() error {
	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = true
	t.tracked = make(map[*ServiceReference]T)
	t.adding = make(map[*ServiceReference]struct{})
	t.mu.Unlock()

	token, err := t.ctx.AddServiceListener(t.serviceChanged, t.filter)
	if err != nil {
		t.mu.Lock()
		t.open = false
		t.mu.Unlock()
		return errors.Wrap(err, errors.CodeRuntime, "failed to open tracker for %s", t.filter)
	}
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()

	refs, err := t.ctx.GetServiceReferences("", t.filter)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		t.track(ref)
	}
	return nil
}

// Close stops tracking and calls RemovedService for every tracked service.
func (t *ServiceTracker[T]) Close() {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return
	}
	t.open = false
	token := t.token
	tracked := t.tracked
	t.tracked = nil
	t.adding = nil
	t.mu.Unlock()

	t.ctx.RemoveServiceListener(token)

	refs := make([]*ServiceReference, 0, len(tracked))
	for ref := range tracked {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, (*ServiceReference).Compare)
	for _, ref := range refs {
		t.customizer.RemovedService(ref, tracked[ref])
	}
}

func (t *ServiceTracker[T]) serviceChanged(evt ServiceEvent) {
	switch evt.Type {
	case ServiceRegistered:
		t.track(evt.Reference)
	case ServiceModified:
		t.mu.Lock()
		svc, ok := t.tracked[evt.Reference]
		t.mu.Unlock()
		if ok {
			t.customizer.ModifiedService(evt.Reference, svc)
		} else {
			t.track(evt.Reference)
		}
	case ServiceUnregistering, ServiceModifiedEndMatch:
		t.untrack(evt.Reference)
	}
}

func (t *ServiceTracker[T]) track(ref *ServiceReference) {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return
	}
	if _, ok := t.tracked[ref]; ok {
		t.mu.Unlock()
		return
	}
	if _, ok := t.adding[ref]; ok {
		t.mu.Unlock()
		return
	}
	t.adding[ref] = struct{}{}
	t.mu.Unlock()

	svc, ok := t.customizer.AddingService(ref)

	t.mu.Lock()
	_, stillAdding := t.adding[ref]
	delete(t.adding, ref)
	if !ok {
		t.mu.Unlock()
		return
	}
	if !stillAdding || !t.open {
		t.mu.Unlock()
		t.customizer.RemovedService(ref, svc)
		return
	}
	t.tracked[ref] = svc
	t.mu.Unlock()
}

func (t *ServiceTracker[T]) untrack(ref *ServiceReference) {
	t.mu.Lock()
	if _, ok := t.adding[ref]; ok {
		// the adding goroutine sees the removal and undoes it
		delete(t.adding, ref)
		t.mu.Unlock()
		return
	}
	svc, ok := t.tracked[ref]
	delete(t.tracked, ref)
	t.mu.Unlock()

	if ok {
		t.customizer.RemovedService(ref, svc)
	}
}

// References returns the tracked references, best first.
func (t *ServiceTracker[T]) References() []*ServiceReference {
	t.mu.Lock()
	refs := make([]*ServiceReference, 0, len(t.tracked))
	for ref := range t.tracked {
		refs = append(refs, ref)
	}
	t.mu.Unlock()
	slices.SortFunc(refs, (*ServiceReference).Compare)
	return refs
}

// Services returns the tracked objects, ordered like References.
func (t *ServiceTracker[T]) Services() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs := make([]*ServiceReference, 0, len(t.tracked))
	for ref := range t.tracked {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, (*ServiceReference).Compare)
	out := make([]T, 0, len(refs))
	for _, ref := range refs {
		out = append(out, t.tracked[ref])
	}
	return out
}

// Service returns the best tracked object.
func (t *ServiceTracker[T]) Service() (T, bool) {
	svcs := t.Services()
	if len(svcs) == 0 {
		var zero T
		return zero, false
	}
	return svcs[0], true
}

func (t *ServiceTracker[T]) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

type defaultCustomizer[T any] struct {
	ctx *BundleContext
}

func (c *defaultCustomizer[T]) AddingService(ref *ServiceReference) (T, bool) {
	var zero T
	svc, err := c.ctx.GetService(ref)
	if err != nil || svc == nil {
		return zero, false
	}
	v, ok := svc.(T)
	if !ok {
		c.ctx.UngetService(ref)
		return zero, false
	}
	return v, true
}

func (c *defaultCustomizer[T]) ModifiedService(*ServiceReference, T) {}

func (c *defaultCustomizer[T]) RemovedService(ref *ServiceReference, _ T) {
	c.ctx.UngetService(ref)
}
