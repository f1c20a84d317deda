package cm

import (
	"context"
	"maps"
	"sync"
)

// Record is the persisted form of a configuration.
type Record struct {
	PID         string         `json:"pid"`
	FactoryPID  string         `json:"factoryPid,omitempty"`
	Properties  map[string]any `json:"properties"`
	ChangeCount uint64         `json:"changeCount"`
}

// Store persists configuration records.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, pid string) error
}

// Applier receives configuration changes made outside the process, as
// reported by a shared Store. *Admin implements it.
type Applier interface {
	Apply(rec Record)
	ApplyDelete(pid string)
}

var _ Applier = (*Admin)(nil)

// MemoryStore keeps records in memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		r.Properties = maps.Clone(r.Properties)
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Properties = maps.Clone(rec.Properties)
	s.records[rec.PID] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, pid)
	return nil
}
