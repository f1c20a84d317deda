package concurrency

import (
	"math"
	"sync"

	"github.com/kochabonline/scr/errors"
)

// ErrLatchSpent is returned by Wait on a latch that was already awaited.
var ErrLatchSpent = errors.Runtime("counter latch already waited on")

// CounterLatch lets an owner wait for every in-flight user of a resource to
// finish. Users enter with CountUp and leave with CountDown. After Wait
// returns the latch is sealed: CountUp fails from then on.
type CounterLatch struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

func NewCounterLatch() *CounterLatch {
	l := &CounterLatch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// CountUp registers a user. It returns false once the latch is sealed.
func (l *CounterLatch) CountUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count < 0 {
		return false
	}
	l.count++
	return true
}

// CountDown releases a user registered with CountUp.
func (l *CounterLatch) CountDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count <= 0 {
		return
	}
	l.count--
	if l.count == 0 {
		l.cond.Broadcast()
	}
}

// Wait blocks until the count drops to zero and then seals the latch.
func (l *CounterLatch) Wait() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count < 0 {
		return ErrLatchSpent
	}
	for l.count > 0 {
		l.cond.Wait()
	}
	if l.count < 0 {
		return ErrLatchSpent
	}
	l.count = math.MinInt64
	return nil
}

// Count returns the number of registered users, or a negative value once sealed.
func (l *CounterLatch) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
