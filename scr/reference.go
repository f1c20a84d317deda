package scr

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kochabonline/scr/core/concurrency"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
)

type RefEvent int

const (
	BecameSatisfied RefEvent = iota + 1
	BecameUnsatisfied
	// Rebind is only sent for dynamic references: Bind and Unbind name the
	// services to swap while the component stays active.
	Rebind
)

func (e RefEvent) String() string {
	switch e {
	case BecameSatisfied:
		return "BECAME_SATISFIED"
	case BecameUnsatisfied:
		return "BECAME_UNSATISFIED"
	case Rebind:
		return "REBIND"
	}
	return "UNKNOWN"
}

type RefChangeNotification struct {
	Name   string
	Event  RefEvent
	Bind   *framework.ServiceReference
	Unbind *framework.ServiceReference
}

// ReferenceManager tracks the services that match one reference of a
// component and tells its listeners when the reference becomes satisfied,
// unsatisfied or, for dynamic references, needs a rebind.
type ReferenceManager struct {
	metadata  ReferenceMetadata
	ctx       *framework.BundleContext
	logger    logservice.LogService
	component string
	tracker   *framework.ServiceTracker[*framework.ServiceReference]

	mu      sync.Mutex
	matched []*framework.ServiceReference
	bound   []*framework.ServiceReference

	nextToken atomic.Uint64
	listeners *concurrency.Guarded[map[uint64]func(RefChangeNotification)]
}

// NewReferenceManager opens a tracker for the reference. component is the
// name of the owning component; its own services never satisfy it.
func NewReferenceManager(md ReferenceMetadata, ctx *framework.BundleContext, logger logservice.LogService, component string) (*ReferenceManager, error) {
	r := &ReferenceManager{
		metadata:  md,
		ctx:       ctx,
		logger:    logger,
		component: component,
		listeners: concurrency.NewGuarded(make(map[uint64]func(RefChangeNotification))),
	}
	// the tracker filter is (&(objectclass=<interface>)<target>)
	r.tracker = framework.NewServiceTracker[*framework.ServiceReference](ctx, md.Interface, md.Target, r)
	if err := r.tracker.Open(); err != nil {
		logger.LogError(level.Error, "could not open service tracker for "+md.Interface, err)
		return nil, err
	}
	return r, nil
}

func (r *ReferenceManager) Name() string { return r.metadata.Name }

func (r *ReferenceManager) Metadata() ReferenceMetadata { return r.metadata }

// StopTracking closes the tracker. Listeners are not told about the
// services it drops.
func (r *ReferenceManager) StopTracking() {
	r.listeners.With(func(m *map[uint64]func(RefChangeNotification)) {
		clear(*m)
	})
	r.tracker.Close()
}

func (r *ReferenceManager) IsOptional() bool {
	return r.metadata.MinCardinality() == 0
}

func (r *ReferenceManager) IsSatisfied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.satisfiedLocked()
}

func (r *ReferenceManager) satisfiedLocked() bool {
	return len(r.bound) >= r.metadata.MinCardinality()
}

// BoundReferences returns the bound services, best first.
func (r *ReferenceManager) BoundReferences() []*framework.ServiceReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.bound)
}

// TargetReferences returns every matching service, best first.
func (r *ReferenceManager) TargetReferences() []*framework.ServiceReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.matched)
}

// rebindLocked binds the best matching services. It returns false when
// there are not enough of them.
func (r *ReferenceManager) rebindLocked() bool {
	if len(r.matched) < r.metadata.MinCardinality() {
		return false
	}
	n := min(len(r.matched), r.metadata.MaxCardinality())
	r.bound = slices.Clone(r.matched[:n])
	return true
}

func (r *ReferenceManager) insertMatchedLocked(ref *framework.ServiceReference) {
	i, found := slices.BinarySearchFunc(r.matched, ref, (*framework.ServiceReference).Compare)
	if !found {
		r.matched = slices.Insert(r.matched, i, ref)
	}
}

func (r *ReferenceManager) AddingService(ref *framework.ServiceReference) (*framework.ServiceReference, bool) {
	if name, ok := ref.Property(ComponentName).(string); ok && name == r.component {
		return nil, false
	}

	var notifications []RefChangeNotification
	r.mu.Lock()
	r.insertMatchedLocked(ref)
	switch {
	case !r.satisfiedLocked():
		if r.rebindLocked() {
			notifications = append(notifications, r.notification(BecameSatisfied, nil, nil))
		}
	case r.metadata.Dynamic():
		notifications = r.dynamicAddLocked(ref)
	case r.metadata.Greedy() && r.preferredLocked(ref):
		notifications = append(notifications, r.notification(BecameUnsatisfied, nil, nil))
		r.rebindLocked()
		notifications = append(notifications, r.notification(BecameSatisfied, nil, nil))
	}
	r.mu.Unlock()

	r.notifyAll(notifications)
	return ref, true
}

// preferredLocked reports whether ref should replace a bound service or
// fill an empty optional reference.
func (r *ReferenceManager) preferredLocked(ref *framework.ServiceReference) bool {
	if slices.Contains(r.bound, ref) {
		return false
	}
	if len(r.bound) < r.metadata.MaxCardinality() {
		return true
	}
	return ref.Compare(r.bound[len(r.bound)-1]) < 0
}

func (r *ReferenceManager) dynamicAddLocked(ref *framework.ServiceReference) []RefChangeNotification {
	if len(r.bound) < r.metadata.MaxCardinality() {
		r.bound = append(r.bound, ref)
		slices.SortFunc(r.bound, (*framework.ServiceReference).Compare)
		return []RefChangeNotification{r.notification(Rebind, ref, nil)}
	}
	if !r.metadata.Greedy() || !r.preferredLocked(ref) {
		return nil
	}
	worst := r.bound[len(r.bound)-1]
	r.bound[len(r.bound)-1] = ref
	slices.SortFunc(r.bound, (*framework.ServiceReference).Compare)
	return []RefChangeNotification{r.notification(Rebind, ref, worst)}
}

func (r *ReferenceManager) ModifiedService(*framework.ServiceReference, *framework.ServiceReference) {}

func (r *ReferenceManager) RemovedService(ref *framework.ServiceReference, _ *framework.ServiceReference) {
	var notifications []RefChangeNotification
	r.mu.Lock()
	r.matched = slices.DeleteFunc(r.matched, func(m *framework.ServiceReference) bool { return m == ref })
	if i := slices.Index(r.bound, ref); i >= 0 {
		if r.metadata.Dynamic() {
			notifications = r.dynamicRemoveLocked(i, ref)
		} else {
			notifications = append(notifications, r.notification(BecameUnsatisfied, nil, nil))
			r.bound = nil
			if r.rebindLocked() {
				notifications = append(notifications, r.notification(BecameSatisfied, nil, nil))
			}
		}
	}
	r.mu.Unlock()

	r.notifyAll(notifications)
}

func (r *ReferenceManager) dynamicRemoveLocked(i int, ref *framework.ServiceReference) []RefChangeNotification {
	r.bound = slices.Delete(r.bound, i, i+1)
	var replacement *framework.ServiceReference
	for _, m := range r.matched {
		if len(r.bound) >= r.metadata.MaxCardinality() {
			break
		}
		if !slices.Contains(r.bound, m) {
			replacement = m
			r.bound = append(r.bound, m)
			slices.SortFunc(r.bound, (*framework.ServiceReference).Compare)
			break
		}
	}
	if len(r.bound) < r.metadata.MinCardinality() {
		return []RefChangeNotification{r.notification(BecameUnsatisfied, nil, nil)}
	}
	return []RefChangeNotification{r.notification(Rebind, replacement, ref)}
}

func (r *ReferenceManager) notification(evt RefEvent, bind, unbind *framework.ServiceReference) RefChangeNotification {
	r.logger.Log(level.Debug, fmt.Sprintf("notify %s for reference %s of %s", evt, r.metadata.Name, r.component))
	return RefChangeNotification{Name: r.metadata.Name, Event: evt, Bind: bind, Unbind: unbind}
}

// RegisterListener adds notify and returns its token. An empty binding is
// filled from the matching services first, so optional references start
// out bound to what is already there.
func (r *ReferenceManager) RegisterListener(notify func(RefChangeNotification)) uint64 {
	r.mu.Lock()
	if len(r.bound) == 0 {
		r.rebindLocked()
	}
	r.mu.Unlock()

	token := r.nextToken.Add(1)
	r.listeners.With(func(m *map[uint64]func(RefChangeNotification)) {
		(*m)[token] = notify
	})
	return token
}

func (r *ReferenceManager) UnregisterListener(token uint64) {
	r.listeners.With(func(m *map[uint64]func(RefChangeNotification)) {
		delete(*m, token)
	})
}

// notifyAll calls a snapshot of the listeners with no lock held.
func (r *ReferenceManager) notifyAll(notifications []RefChangeNotification) {
	if len(notifications) == 0 {
		return
	}
	var listeners []func(RefChangeNotification)
	r.listeners.With(func(m *map[uint64]func(RefChangeNotification)) {
		tokens := make([]uint64, 0, len(*m))
		for t := range *m {
			tokens = append(tokens, t)
		}
		slices.Sort(tokens)
		for _, t := range tokens {
			listeners = append(listeners, (*m)[t])
		}
	})
	for _, l := range listeners {
		for _, n := range notifications {
			l(n)
		}
	}
}
