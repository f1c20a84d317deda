package framework

import (
	"slices"
	"sync"

	"github.com/rs/xid"

	"github.com/kochabonline/scr/errors"
)

// ResourceContainer is shared by every bundle installed from one location.
type ResourceContainer struct {
	location  string
	manifests map[string]map[string]any
}

func NewResourceContainer(location string, manifests map[string]map[string]any) *ResourceContainer {
	return &ResourceContainer{location: location, manifests: manifests}
}

func (c *ResourceContainer) Location() string { return c.location }

// SymbolicNames returns the top level entries of the container, sorted.
func (c *ResourceContainer) SymbolicNames() []string {
	names := make([]string, 0, len(c.manifests))
	for name := range c.manifests {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Archive is the persistent record of one installed bundle.
type Archive struct {
	id           string
	bundleID     int64
	symbolicName string
	container    *ResourceContainer
	manifest     map[string]any
	storage      Storage
}

func (a *Archive) ID() string { return a.id }
func (a *Archive) BundleID() int64 { return a.bundleID }
func (a *Archive) SymbolicName() string { return a.symbolicName }
func (a *Archive) ResourceContainer() *ResourceContainer { return a.container }
func (a *Archive) Manifest() map[string]any { return a.manifest }

// Purge removes the archive from its storage.
func (a *Archive) Purge() error {
	return a.storage.Remove(a)
}

type Storage interface {
	CreateArchive(container *ResourceContainer, symbolicName string, manifest map[string]any) (*Archive, error)
	Remove(a *Archive) error
	Archives() []*Archive
}

// MemoryStorage keeps archives in process memory. Bundle ids are assigned in
// creation order starting at 1; id 0 is the system bundle.
type MemoryStorage struct {
	mu       sync.Mutex
	nextID   int64
	archives map[string]*Archive
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{nextID: 1, archives: make(map[string]*Archive)}
}

func (s *MemoryStorage) CreateArchive(container *ResourceContainer, symbolicName string, manifest map[string]any) (*Archive, error) {
	if symbolicName == "" {
		return nil, errors.InvalidArgument("empty symbolic name at %s", container.Location())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := &Archive{
		id:           xid.New().String(),
		bundleID:     s.nextID,
		symbolicName: symbolicName,
		container:    container,
		manifest:     manifest,
		storage:      s,
	}
	s.nextID++
	s.archives[a.id] = a
	return a, nil
}

func (s *MemoryStorage) Remove(a *Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archives[a.id]; !ok {
		return errors.NotFound("archive %s not found", a.id)
	}
	delete(s.archives, a.id)
	return nil
}

func (s *MemoryStorage) Archives() []*Archive {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Archive, 0, len(s.archives))
	for _, a := range s.archives {
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y *Archive) int { return int(x.bundleID - y.bundleID) })
	return out
}
