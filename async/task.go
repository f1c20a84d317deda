package async

import (
	"context"
	"sync"
	"time"

	"github.com/kochabonline/scr/errors"
)

// Task is a unit of work that runs at most once, no matter how many
// executors try to run it. Whoever calls Run first executes it; every other
// caller observes the same result.
type Task struct {
	fn   func() error
	once sync.Once
	done chan struct{}
	err  error
}

func NewTask(fn func() error) *Task {
	return &Task{fn: fn, done: make(chan struct{})}
}

// Completed returns a task that has already finished with err.
func Completed(err error) *Task {
	t := &Task{done: make(chan struct{}), err: err}
	t.once.Do(func() { close(t.done) })
	return t
}

// Run executes the task if nobody did yet. A panic is converted to an error.
func (t *Task) Run() {
	t.once.Do(func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = errors.Runtime("task panicked: %v", r)
			}
		}()
		if t.fn != nil {
			t.err = t.fn()
		}
	})
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err is only meaningful once Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitOrRun waits up to timeout for an executor to pick the task up and
// otherwise runs it on the calling goroutine. It never deadlocks on a
// saturated or blocked executor.
func (t *Task) WaitOrRun(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.err
	case <-timer.C:
	}
	t.Run()
	<-t.done
	return t.err
}
