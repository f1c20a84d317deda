package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuarded(t *testing.T) {
	g := NewGuarded(map[string]int{})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.With(func(m *map[string]int) {
				(*m)["n"]++
			})
		}()
	}
	wg.Wait()

	l := g.Lock()
	assert.Equal(t, 50, (*l.Value())["n"])
	l.Unlock()
}

func TestGuardedUnlocksOnPanic(t *testing.T) {
	g := NewGuarded(0)
	assert.Panics(t, func() {
		g.With(func(*int) { panic("boom") })
	})
	g.With(func(v *int) { *v = 1 })
	assert.Equal(t, 1, g.Load())
}

func TestLatchSealsAfterWait(t *testing.T) {
	l := NewCounterLatch()
	require.NoError(t, l.Wait())

	assert.False(t, l.CountUp())
	assert.Less(t, l.Count(), int64(0))
	assert.ErrorIs(t, l.Wait(), ErrLatchSpent)
}

func TestLatchCountDownBelowZero(t *testing.T) {
	l := NewCounterLatch()
	l.CountDown()
	assert.Equal(t, int64(0), l.Count())
}

func TestLatchWaitsForUsers(t *testing.T) {
	l := NewCounterLatch()
	require.True(t, l.CountUp())
	require.True(t, l.CountUp())

	done := make(chan error)
	go func() { done <- l.Wait() }()

	l.CountDown()
	select {
	case <-done:
		t.Fatal("wait returned before the last user left")
	case <-time.After(20 * time.Millisecond):
	}

	l.CountDown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
	assert.False(t, l.CountUp())
}

func TestLatchBalancedConcurrentUse(t *testing.T) {
	l := NewCounterLatch()

	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if l.CountUp() {
					l.CountDown()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), l.Count())
	require.NoError(t, l.Wait())
}

func TestLatchConcurrentWithWait(t *testing.T) {
	l := NewCounterLatch()

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if !l.CountUp() {
					return
				}
				l.CountDown()
			}
		}()
	}

	require.NoError(t, l.Wait())
	wg.Wait()
	assert.Less(t, l.Count(), int64(0))
}
