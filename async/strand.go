package async

import "sync"

// strand runs its tasks one at a time, in posting order, on the goroutines of
// its parent service.
type strand struct {
	parent  Service
	mu      sync.Mutex
	pending []*Task
	running bool
}

func newStrand(parent Service) *strand {
	return &strand{parent: parent}
}

func (s *strand) Post(t *Task) {
	s.mu.Lock()
	s.pending = append(s.pending, t)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.parent.Post(NewTask(func() error {
		s.drain()
		return nil
	}))
}

func (s *strand) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		t := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		t.Run()
	}
}
