package scr

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kochabonline/scr/async"
)

func TestAsyncWorkTracker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fw := newFramework(t)
	ctx := fw.Context()
	tracker := NewAsyncWorkTracker(ctx, discardLog(), 0)

	// private pool while nothing is registered
	task := async.NewTask(func() error { return nil })
	tracker.Post(task)
	<-task.Done()

	var posted atomic.Int32
	svc := async.ServiceFunc(func(t *async.Task) {
		posted.Add(1)
		t.Run()
	})
	reg, err := ctx.RegisterService([]string{async.Interface}, svc, nil)
	require.NoError(t, err)

	task = async.NewTask(func() error { return nil })
	tracker.Post(task)
	<-task.Done()
	assert.Equal(t, int32(1), posted.Load())

	require.NoError(t, reg.Unregister())
	task = async.NewTask(func() error { return nil })
	tracker.Post(task)
	<-task.Done()
	assert.Equal(t, int32(1), posted.Load(), "back on the private pool")

	tracker.StopTracking()
	ran := false
	tracker.Post(async.NewTask(func() error { ran = true; return nil }))
	assert.True(t, ran, "runs on the caller once stopped")
}
