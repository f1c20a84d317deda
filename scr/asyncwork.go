package scr

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kochabonline/scr/async"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
)

const (
	defaultFallbackWorkers = 2
	fallbackShutdownWait   = 5 * time.Second
)

type boundAsync struct {
	ref *framework.ServiceReference
	svc async.Service
}

// AsyncWorkTracker runs the runtime's background work on the first async
// service registered in the framework, and on a private pool while there is
// none.
type AsyncWorkTracker struct {
	ctx      *framework.BundleContext
	logger   logservice.LogService
	tracker  *framework.ServiceTracker[async.Service]
	current  atomic.Pointer[boundAsync]
	fallback *async.Pool
}

// NewAsyncWorkTracker starts tracking through ctx. workers sizes the
// fallback pool; values below 1 use the default of 2.
func NewAsyncWorkTracker(ctx *framework.BundleContext, logger logservice.LogService, workers int) *AsyncWorkTracker {
	if workers < 1 {
		workers = defaultFallbackWorkers
	}
	t := &AsyncWorkTracker{
		ctx:      ctx,
		logger:   logger,
		fallback: async.NewPool(workers, async.WithName("scr")),
	}
	t.tracker = framework.NewServiceTracker[async.Service](ctx, async.Interface, "", t)
	if err := t.tracker.Open(); err != nil {
		logger.LogError(level.Error, "could not track async work services, using the private pool", err)
		t.tracker = nil
	}
	return t
}

func (t *AsyncWorkTracker) AddingService(ref *framework.ServiceReference) (async.Service, bool) {
	obj, err := t.ctx.GetService(ref)
	if err != nil || obj == nil {
		return nil, false
	}
	svc, ok := obj.(async.Service)
	if !ok {
		t.ctx.UngetService(ref)
		return nil, false
	}
	if t.current.CompareAndSwap(nil, &boundAsync{ref: ref, svc: svc}) {
		t.logger.LogRef(ref, level.Debug, "using async work service")
	}
	return svc, true
}

func (t *AsyncWorkTracker) ModifiedService(*framework.ServiceReference, async.Service) {}

func (t *AsyncWorkTracker) RemovedService(ref *framework.ServiceReference, _ async.Service) {
	if cur := t.current.Load(); cur != nil && cur.ref == ref {
		if t.current.CompareAndSwap(cur, nil) {
			t.logger.LogRef(ref, level.Debug, "async work service removed, using the private pool")
		}
	}
	t.ctx.UngetService(ref)
}

// Post runs task on the bound service, or on the private pool.
func (t *AsyncWorkTracker) Post(task *async.Task) {
	if cur := t.current.Load(); cur != nil {
		cur.svc.Post(task)
		return
	}
	t.fallback.Post(task)
}

// StopTracking closes the tracker and drains the private pool. Tasks posted
// afterwards run on the posting goroutine.
func (t *AsyncWorkTracker) StopTracking() {
	if t.tracker != nil {
		t.tracker.Close()
		t.tracker = nil
	}
	t.current.Store(nil)

	ctx, cancel := context.WithTimeout(context.Background(), fallbackShutdownWait)
	defer cancel()
	if err := t.fallback.Shutdown(ctx); err != nil {
		t.logger.LogError(level.Warn, "async pool did not drain", err)
	}
}
