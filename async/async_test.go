package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shutdown(t *testing.T, p *Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestTaskRunsOnce(t *testing.T) {
	var calls atomic.Int32
	task := NewTask(func() error {
		calls.Add(1)
		return errors.New("failed")
	})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task.Run()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.EqualError(t, task.Err(), "failed")
}

func TestTaskPanic(t *testing.T) {
	task := NewTask(func() error { panic("boom") })
	task.Run()
	require.Error(t, task.Err())
	assert.Contains(t, task.Err().Error(), "boom")
}

func TestTaskWaitOrRunExecutesInline(t *testing.T) {
	blocked := ServiceFunc(func(*Task) {})
	task := Go(blocked, func() error { return nil })

	start := time.Now()
	require.NoError(t, task.WaitOrRun(10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTaskWait(t *testing.T) {
	task := NewTask(func() error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded)

	task.Run()
	assert.NoError(t, task.Wait(context.Background()))
	assert.NoError(t, Completed(nil).Wait(context.Background()))
}

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(4, WithName("test"))

	var sum atomic.Int64
	tasks := make([]*Task, 0, 100)
	for i := range 100 {
		tasks = append(tasks, Go(p, func() error {
			sum.Add(int64(i))
			return nil
		}))
	}
	for _, task := range tasks {
		require.NoError(t, task.Wait(context.Background()))
	}

	assert.Equal(t, int64(4950), sum.Load())
	shutdown(t, p)
	assert.Equal(t, int64(100), p.Executed())
}

func TestPoolPostAfterShutdownRunsInline(t *testing.T) {
	p := NewPool(1)
	shutdown(t, p)

	task := Go(p, func() error { return nil })
	select {
	case <-task.Done():
	default:
		t.Fatal("task should have run on the caller")
	}
}

func TestStrandIsSerial(t *testing.T) {
	p := NewPool(8)
	defer shutdown(t, p)

	s, ok := NewStrand(p)
	require.True(t, ok)

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)
	var last *Task
	for i := range 200 {
		last = Go(s, func() error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		})
	}
	require.NoError(t, last.Wait(context.Background()))

	assert.False(t, overlap.Load())
	require.Len(t, order, 200)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestNewStrandUnsupported(t *testing.T) {
	_, ok := NewStrand(Inline{})
	assert.False(t, ok)
}
