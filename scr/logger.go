package scr

import (
	"sync/atomic"

	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
)

type boundLog struct {
	ref *framework.ServiceReference
	svc logservice.LogService
}

// Logger forwards records to the first log service it sees registered.
// When that service goes away records are dropped until another one is
// registered. Every method is a no-op while no service is bound.
type Logger struct {
	ctx     *framework.BundleContext
	tracker *framework.ServiceTracker[logservice.LogService]
	current atomic.Pointer[boundLog]
}

// NewLogger starts tracking log services through ctx.
func NewLogger(ctx *framework.BundleContext) *Logger {
	l := &Logger{ctx: ctx}
	l.tracker = framework.NewServiceTracker[logservice.LogService](ctx, logservice.Interface, "", l)
	if err := l.tracker.Open(); err != nil {
		l.tracker = nil
	}
	return l
}

func (l *Logger) AddingService(ref *framework.ServiceReference) (logservice.LogService, bool) {
	obj, err := l.ctx.GetService(ref)
	if err != nil || obj == nil {
		return nil, false
	}
	svc, ok := obj.(logservice.LogService)
	if !ok {
		l.ctx.UngetService(ref)
		return nil, false
	}
	l.current.CompareAndSwap(nil, &boundLog{ref: ref, svc: svc})
	return svc, true
}

func (l *Logger) ModifiedService(*framework.ServiceReference, logservice.LogService) {}

func (l *Logger) RemovedService(ref *framework.ServiceReference, _ logservice.LogService) {
	if cur := l.current.Load(); cur != nil && cur.ref == ref {
		l.current.CompareAndSwap(cur, nil)
	}
	l.ctx.UngetService(ref)
}

// StopTracking closes the tracker. It is not safe to call concurrently and
// must be called before the framework shuts down.
func (l *Logger) StopTracking() {
	if l.tracker != nil {
		l.tracker.Close()
		l.tracker = nil
	}
	l.current.Store(nil)
}

func (l *Logger) bound() logservice.LogService {
	if cur := l.current.Load(); cur != nil {
		return cur.svc
	}
	return nil
}

func (l *Logger) Log(lvl level.Level, msg string) {
	if svc := l.bound(); svc != nil {
		svc.Log(lvl, msg)
	}
}

func (l *Logger) LogError(lvl level.Level, msg string, err error) {
	if svc := l.bound(); svc != nil {
		svc.LogError(lvl, msg, err)
	}
}

func (l *Logger) LogRef(ref *framework.ServiceReference, lvl level.Level, msg string) {
	if svc := l.bound(); svc != nil {
		svc.LogRef(ref, lvl, msg)
	}
}

func (l *Logger) LogRefError(ref *framework.ServiceReference, lvl level.Level, msg string, err error) {
	if svc := l.bound(); svc != nil {
		svc.LogRefError(ref, lvl, msg, err)
	}
}
