package framework

import (
	"slices"

	"github.com/kochabonline/scr/core/concurrency"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/log"
)

// BundleFilterHook hides installed bundles from an installer. Returning
// false removes b from the result handed to ctx.
type BundleFilterHook func(ctx *BundleContext, b *Bundle) bool

// installWait tracks a location being installed for the first time. done is
// closed when the first installer finishes; refs counts the installer plus
// every goroutine waiting on it.
type installWait struct {
	refs int
	done chan struct{}
}

// BundleRegistry owns every installed bundle, indexed by location.
type BundleRegistry struct {
	fw *Framework

	installs *concurrency.Guarded[map[string]*installWait]
	bundles  *concurrency.Guarded[map[string][]*Bundle]
	byID     *concurrency.Guarded[map[int64]*Bundle]
}

func newBundleRegistry(fw *Framework) *BundleRegistry {
	return &BundleRegistry{
		fw:       fw,
		installs: concurrency.NewGuarded(map[string]*installWait{}),
		bundles:  concurrency.NewGuarded(map[string][]*Bundle{}),
		byID:     concurrency.NewGuarded(map[int64]*Bundle{}),
	}
}

func (r *BundleRegistry) Get(id int64) *Bundle {
	l := r.byID.Lock()
	defer l.Unlock()
	return (*l.Value())[id]
}

// All returns every installed bundle ordered by id.
func (r *BundleRegistry) All() []*Bundle {
	l := r.byID.Lock()
	out := make([]*Bundle, 0, len(*l.Value()))
	for _, b := range *l.Value() {
		out = append(out, b)
	}
	l.Unlock()
	slices.SortFunc(out, func(x, y *Bundle) int { return int(x.id - y.id) })
	return out
}

// AtLocation returns the bundles installed from location.
func (r *BundleRegistry) AtLocation(location string) []*Bundle {
	l := r.bundles.Lock()
	defer l.Unlock()
	return slices.Clone((*l.Value())[location])
}

// Install installs the bundles at location. Concurrent installs of a
// location that is not installed yet are coordinated so that only the first
// caller creates archives; the others wait for it and then see the result as
// already installed bundles.
func (r *BundleRegistry) Install(location string, installer *Bundle, manifests map[string]map[string]any) ([]*Bundle, error) {
	if err := r.fw.checkActive(); err != nil {
		return nil, err
	}

	installs := r.installs.Lock()
	if len(r.AtLocation(location)) > 0 {
		installs.Unlock()
		return r.installExisting(location, installer, manifests)
	}

	if w, ok := (*installs.Value())[location]; ok {
		w.refs++
		installs.Unlock()

		<-w.done

		defer r.release(location)
		return r.installExisting(location, installer, manifests)
	}

	w := &installWait{refs: 1, done: make(chan struct{})}
	(*installs.Value())[location] = w
	installs.Unlock()

	defer r.release(location)
	defer close(w.done)

	return r.install0(location, NewResourceContainer(location, manifests), nil, manifests)
}

// release drops one reference on the tracking entry of location and removes
// the entry with the last one.
func (r *BundleRegistry) release(location string) {
	r.installs.With(func(m *map[string]*installWait) {
		w, ok := (*m)[location]
		if !ok {
			return
		}
		if w.refs--; w.refs == 0 {
			delete(*m, location)
		}
	})
}

func (r *BundleRegistry) installExisting(location string, installer *Bundle, manifests map[string]map[string]any) ([]*Bundle, error) {
	existing := r.AtLocation(location)

	container := NewResourceContainer(location, manifests)
	if len(existing) > 0 && existing[0].archive != nil {
		container = existing[0].archive.ResourceContainer()
	}

	var (
		result    []*Bundle
		installed = make([]string, 0, len(existing))
	)
	ctx := installer.Context()
	for _, b := range existing {
		installed = append(installed, b.symbolicName)
		if installer.id != 0 && !r.fw.filterBundle(ctx, b) {
			continue
		}
		result = append(result, b)
	}

	created, err := r.install0(location, container, installed, manifests)
	if err != nil {
		return nil, err
	}
	result = append(result, created...)
	if len(result) == 0 {
		return nil, errors.Runtime("all bundles rejected by a bundle hook")
	}
	return result, nil
}

// install0 creates an archive and a bundle for every entry of container that
// is not in exclude. Archives created before a failure are purged.
func (r *BundleRegistry) install0(location string, container *ResourceContainer, exclude []string, manifests map[string]map[string]any) (_ []*Bundle, err error) {
	var archives []*Archive
	defer func() {
		if err == nil {
			return
		}
		for _, a := range archives {
			if perr := a.Purge(); perr != nil {
				log.Warn().Err(perr).Str("archive", a.ID()).Msg("failed to purge archive")
			}
		}
		err = errors.Errorf(err, "failed to install bundle library at %s", location)
	}()

	for _, name := range container.SymbolicNames() {
		if slices.Contains(exclude, name) {
			continue
		}
		manifest := manifests[name]
		if manifest == nil {
			manifest = map[string]any{}
		}
		a, err := r.fw.storage.CreateArchive(container, name, manifest)
		if err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}

	created := make([]*Bundle, 0, len(archives))
	for _, a := range archives {
		created = append(created, newBundle(r.fw, a))
	}

	r.bundles.With(func(m *map[string][]*Bundle) {
		(*m)[location] = append((*m)[location], created...)
	})
	r.byID.With(func(m *map[int64]*Bundle) {
		for _, b := range created {
			(*m)[b.id] = b
		}
	})

	for _, b := range created {
		r.fw.fireBundleEvent(BundleEvent{Type: BundleEventInstalled, Bundle: b})
	}

	log.Info().Str("location", location).Int("bundles", len(created)).Msg("bundles installed")
	return created, nil
}

func (r *BundleRegistry) remove(b *Bundle) {
	r.bundles.With(func(m *map[string][]*Bundle) {
		rest := slices.DeleteFunc((*m)[b.location], func(x *Bundle) bool { return x == b })
		if len(rest) == 0 {
			delete(*m, b.location)
		} else {
			(*m)[b.location] = rest
		}
	})
	r.byID.With(func(m *map[int64]*Bundle) {
		delete(*m, b.id)
	})
}

func (r *BundleRegistry) addSystem(b *Bundle) {
	r.byID.With(func(m *map[int64]*Bundle) {
		(*m)[b.id] = b
	})
}
