package framework

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/kochabonline/scr/core/ldap"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/log"
)

// Standard service property keys.
const (
	ObjectClass    = "objectclass"
	ServiceID      = "service.id"
	ServiceRanking = "service.ranking"
	ServiceBundle  = "service.bundleid"
	ServiceScope   = "service.scope"
	ServicePID     = "service.pid"
)

const (
	ScopeSingleton = "singleton"
	ScopeBundle    = "bundle"
	ScopePrototype = "prototype"
)

type ServiceEventType int

const (
	ServiceRegistered ServiceEventType = iota + 1
	ServiceModified
	ServiceUnregistering
	// ServiceModifiedEndMatch is delivered to a filtered listener when a
	// modification makes the service stop matching the filter.
	ServiceModifiedEndMatch
)

func (t ServiceEventType) String() string {
	switch t {
	case ServiceRegistered:
		return "REGISTERED"
	case ServiceModified:
		return "MODIFIED"
	case ServiceUnregistering:
		return "UNREGISTERING"
	case ServiceModifiedEndMatch:
		return "MODIFIED_ENDMATCH"
	}
	return "UNKNOWN"
}

type ServiceEvent struct {
	Type      ServiceEventType
	Reference *ServiceReference
}

type ServiceListener func(ServiceEvent)

// ServiceFactory lets a registration hand out a service object per
// requesting bundle.
type ServiceFactory interface {
	GetService(b *Bundle, reg *ServiceRegistration) (any, error)
	UngetService(b *Bundle, reg *ServiceRegistration, service any)
}

// ServiceReference is a handle on a registration. It stays comparable and
// usable for property lookups after the service is unregistered.
type ServiceReference struct {
	reg *ServiceRegistration
}

func (r *ServiceReference) ID() int64 { return r.reg.id }

func (r *ServiceReference) Bundle() *Bundle { return r.reg.bundle }

func (r *ServiceReference) Property(key string) any {
	r.reg.mu.RLock()
	defer r.reg.mu.RUnlock()
	return r.reg.props[key]
}

// Properties returns a copy of the registration properties.
func (r *ServiceReference) Properties() map[string]any {
	r.reg.mu.RLock()
	defer r.reg.mu.RUnlock()
	return maps.Clone(r.reg.props)
}

func (r *ServiceReference) Ranking() int {
	v, _ := r.Property(ServiceRanking).(int)
	return v
}

// Interfaces returns the objectclass of the service.
func (r *ServiceReference) Interfaces() []string {
	v, _ := r.Property(ObjectClass).([]string)
	return slices.Clone(v)
}

func (r *ServiceReference) Valid() bool {
	r.reg.mu.RLock()
	defer r.reg.mu.RUnlock()
	return !r.reg.unregistered
}

// Compare orders references by descending ranking, then ascending id.
func (r *ServiceReference) Compare(o *ServiceReference) int {
	if c := cmp.Compare(o.Ranking(), r.Ranking()); c != 0 {
		return c
	}
	return cmp.Compare(r.ID(), o.ID())
}

type factoryUse struct {
	mu      sync.Mutex
	service any
	count   int
}

type ServiceRegistration struct {
	registry *serviceRegistry
	id       int64
	bundle   *Bundle
	service  any
	ref      *ServiceReference

	mu           sync.RWMutex
	props        map[string]any
	unregistered bool
	uses         map[int64]*factoryUse
}

func (r *ServiceRegistration) Reference() *ServiceReference { return r.ref }

// SetProperties replaces the non-reserved properties and fires MODIFIED.
func (r *ServiceRegistration) SetProperties(props map[string]any) error {
	r.mu.Lock()
	if r.unregistered {
		r.mu.Unlock()
		return errors.Runtime("service %d already unregistered", r.id)
	}
	old := r.props
	next := maps.Clone(props)
	if next == nil {
		next = make(map[string]any, 4)
	}
	for _, k := range []string{ObjectClass, ServiceID, ServiceBundle, ServiceScope} {
		next[k] = old[k]
	}
	if _, ok := next[ServiceRanking].(int); !ok {
		next[ServiceRanking] = 0
	}
	r.props = next
	r.mu.Unlock()

	r.registry.fire(ServiceEvent{Type: ServiceModified, Reference: r.ref}, old)
	return nil
}

// Unregister fires UNREGISTERING and then removes the service. Calling it
// twice returns an error.
func (r *ServiceRegistration) Unregister() error {
	r.mu.Lock()
	if r.unregistered {
		r.mu.Unlock()
		return errors.Runtime("service %d already unregistered", r.id)
	}
	r.mu.Unlock()

	r.registry.fire(ServiceEvent{Type: ServiceUnregistering, Reference: r.ref}, nil)

	r.mu.Lock()
	r.unregistered = true
	uses := r.uses
	r.uses = nil
	r.mu.Unlock()

	r.registry.remove(r)

	if f, ok := r.service.(ServiceFactory); ok {
		for bundleID, use := range uses {
			use.mu.Lock()
			if use.count > 0 && use.service != nil {
				f.UngetService(r.registry.bundle(bundleID), r, use.service)
			}
			use.mu.Unlock()
		}
	}
	return nil
}

func (r *ServiceRegistration) getService(b *Bundle) (any, error) {
	f, ok := r.service.(ServiceFactory)
	if !ok {
		if !r.ref.Valid() {
			return nil, nil
		}
		return r.service, nil
	}

	r.mu.Lock()
	if r.unregistered {
		r.mu.Unlock()
		return nil, nil
	}
	use := r.uses[b.ID()]
	if use == nil {
		use = &factoryUse{}
		r.uses[b.ID()] = use
	}
	r.mu.Unlock()

	use.mu.Lock()
	defer use.mu.Unlock()
	if use.service == nil {
		svc, err := f.GetService(b, r)
		if err != nil {
			return nil, err
		}
		if svc == nil {
			return nil, nil
		}
		use.service = svc
	}
	use.count++
	return use.service, nil
}

func (r *ServiceRegistration) ungetService(b *Bundle) bool {
	f, ok := r.service.(ServiceFactory)
	if !ok {
		return r.ref.Valid()
	}

	r.mu.Lock()
	use := r.uses[b.ID()]
	r.mu.Unlock()
	if use == nil {
		return false
	}

	use.mu.Lock()
	defer use.mu.Unlock()
	if use.count == 0 {
		return false
	}
	use.count--
	if use.count == 0 {
		svc := use.service
		use.service = nil
		f.UngetService(b, r, svc)
	}
	return true
}

type listenerEntry struct {
	token    int64
	bundle   *Bundle
	filter   *ldap.Filter
	listener ServiceListener
}

type serviceRegistry struct {
	fw *Framework

	mu        sync.RWMutex
	nextID    int64
	services  map[int64]*ServiceRegistration
	listeners []*listenerEntry
	nextToken int64
}

func newServiceRegistry(fw *Framework) *serviceRegistry {
	return &serviceRegistry{
		fw:       fw,
		nextID:   1,
		services: make(map[int64]*ServiceRegistration),
	}
}

func (s *serviceRegistry) bundle(id int64) *Bundle {
	return s.fw.registry.Get(id)
}

func (s *serviceRegistry) register(b *Bundle, interfaces []string, service any, props map[string]any) (*ServiceRegistration, error) {
	if len(interfaces) == 0 {
		return nil, errors.InvalidArgument("no interfaces given")
	}
	if service == nil {
		return nil, errors.InvalidArgument("nil service object")
	}

	p := maps.Clone(props)
	if p == nil {
		p = make(map[string]any, 5)
	}
	if _, ok := p[ServiceRanking].(int); !ok {
		p[ServiceRanking] = 0
	}
	scope, _ := p[ServiceScope].(string)
	if scope == "" {
		scope = ScopeSingleton
		if _, ok := service.(ServiceFactory); ok {
			scope = ScopeBundle
		}
	}
	p[ServiceScope] = scope
	p[ObjectClass] = slices.Clone(interfaces)
	p[ServiceBundle] = b.ID()

	reg := &ServiceRegistration{
		registry: s,
		bundle:   b,
		service:  service,
		props:    p,
		uses:     make(map[int64]*factoryUse),
	}
	reg.ref = &ServiceReference{reg: reg}

	s.mu.Lock()
	reg.id = s.nextID
	s.nextID++
	p[ServiceID] = reg.id
	s.services[reg.id] = reg
	s.mu.Unlock()

	s.fire(ServiceEvent{Type: ServiceRegistered, Reference: reg.ref}, nil)
	return reg, nil
}

func (s *serviceRegistry) remove(reg *ServiceRegistration) {
	s.mu.Lock()
	delete(s.services, reg.id)
	s.mu.Unlock()
}

// references returns the matching registrations sorted best first.
func (s *serviceRegistry) references(iface string, filter *ldap.Filter) []*ServiceReference {
	s.mu.RLock()
	regs := make([]*ServiceRegistration, 0, len(s.services))
	for _, reg := range s.services {
		regs = append(regs, reg)
	}
	s.mu.RUnlock()

	out := make([]*ServiceReference, 0, len(regs))
	for _, reg := range regs {
		reg.mu.RLock()
		match := !reg.unregistered &&
			(iface == "" || slices.Contains(reg.props[ObjectClass].([]string), iface)) &&
			filter.Matches(reg.props)
		reg.mu.RUnlock()
		if match {
			out = append(out, reg.ref)
		}
	}
	slices.SortFunc(out, (*ServiceReference).Compare)
	return out
}

func (s *serviceRegistry) addListener(b *Bundle, filter *ldap.Filter, l ServiceListener) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextToken++
	s.listeners = append(s.listeners, &listenerEntry{token: s.nextToken, bundle: b, filter: filter, listener: l})
	return s.nextToken
}

func (s *serviceRegistry) removeListener(token int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(e *listenerEntry) bool { return e.token == token })
}

func (s *serviceRegistry) removeBundleListeners(b *Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(e *listenerEntry) bool { return e.bundle == b })
}

func (s *serviceRegistry) bundleRegistrations(b *Bundle) []*ServiceRegistration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ServiceRegistration
	for _, reg := range s.services {
		if reg.bundle == b {
			out = append(out, reg)
		}
	}
	slices.SortFunc(out, func(x, y *ServiceRegistration) int { return cmp.Compare(x.id, y.id) })
	return out
}

// fire delivers evt to a snapshot of the listeners with no lock held.
// old holds the previous properties of a MODIFIED event.
func (s *serviceRegistry) fire(evt ServiceEvent, old map[string]any) {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()

	props := evt.Reference.Properties()
	for _, e := range listeners {
		delivered := evt
		if !e.filter.Matches(props) {
			if evt.Type != ServiceModified || old == nil || !e.filter.Matches(old) {
				continue
			}
			delivered.Type = ServiceModifiedEndMatch
		}
		s.dispatch(e, delivered)
	}
}

func (s *serviceRegistry) dispatch(e *listenerEntry, evt ServiceEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int64("bundle", e.bundle.ID()).Str("event", evt.Type.String()).
				Msgf("service listener panicked: %v", r)
		}
	}()
	e.listener(evt)
}
