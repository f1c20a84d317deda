package async

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kochabonline/scr/core/queue"
	"github.com/kochabonline/scr/log"
)

// Pool is a fixed set of workers draining a FIFO queue.
type Pool struct {
	name     string
	queue    *queue.Typed[*Task]
	group    errgroup.Group
	executed atomic.Int64
	stopped  chan struct{}
}

type PoolOption func(*Pool)

func WithName(name string) PoolOption {
	return func(p *Pool) {
		p.name = name
	}
}

// NewPool starts workers goroutines. workers < 1 is treated as 1.
func NewPool(workers int, opts ...PoolOption) *Pool {
	p := &Pool{
		name:    "async",
		queue:   queue.New[*Task](),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	workers = max(workers, 1)

	for range workers {
		p.group.Go(p.worker)
	}
	go func() {
		_ = p.group.Wait()
		close(p.stopped)
	}()

	log.Debug().Str("pool", p.name).Int("workers", workers).Msg("async pool started")
	return p
}

func (p *Pool) worker() error {
	for {
		t, shutdown := p.queue.Get()
		if shutdown {
			return nil
		}
		t.Run()
		p.executed.Add(1)
		p.queue.Done()
	}
}

// Post queues t. After shutdown the task runs on the caller.
func (p *Pool) Post(t *Task) {
	if !p.queue.Add(t) {
		t.Run()
	}
}

func (p *Pool) CreateStrand() Service {
	return newStrand(p)
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	return p.queue.Len()
}

// Executed returns the number of tasks run by the workers.
func (p *Pool) Executed() int64 {
	return p.executed.Load()
}

// Shutdown drains the queue and waits for the workers, or for ctx.
// It must not be called from a task running on this pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	go p.queue.ShutDownWithDrain()

	select {
	case <-p.stopped:
		log.Debug().Str("pool", p.name).Int64("executed", p.executed.Load()).Msg("async pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
