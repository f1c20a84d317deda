package etcd

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kochabonline/scr/cm"
	storeetcd "github.com/kochabonline/scr/store/etcd"
)

type applier struct {
	mu      sync.Mutex
	applied []cm.Record
	deleted []string
}

func (a *applier) Apply(rec cm.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, rec)
}

func (a *applier) ApplyDelete(pid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, pid)
}

func TestHandleEvents(t *testing.T) {
	s := NewStore(nil, WithPrefix("/test/"))
	a := &applier{}

	s.handle(&clientv3.Event{
		Type: clientv3.EventTypePut,
		Kv:   &mvccpb.KeyValue{Key: []byte("/test/a"), Value: []byte(`{"pid":"a","properties":{"x":1},"changeCount":2}`)},
	}, a)
	s.handle(&clientv3.Event{
		Type: clientv3.EventTypePut,
		Kv:   &mvccpb.KeyValue{Key: []byte("/test/b"), Value: []byte(`not json`)},
	}, a)
	s.handle(&clientv3.Event{
		Type: clientv3.EventTypeDelete,
		Kv:   &mvccpb.KeyValue{Key: []byte("/test/fac~1")},
	}, a)

	require.Len(t, a.applied, 1)
	assert.Equal(t, "a", a.applied[0].PID)
	assert.Equal(t, uint64(2), a.applied[0].ChangeCount)
	assert.Equal(t, []string{"fac~1"}, a.deleted)
}

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping etcd integration test in short mode")
	}
	endpoints := os.Getenv("SCR_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("SCR_ETCD_ENDPOINTS not set")
	}

	e, err := storeetcd.New(&storeetcd.Config{Endpoints: strings.Split(endpoints, ",")})
	require.NoError(t, err)
	defer e.Close()

	prefix := "/scr-test/" + xid.New().String()
	s := NewStore(e.Client, WithPrefix(prefix))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer e.Client.Delete(context.Background(), prefix, clientv3.WithPrefix())

	a := &applier{}
	watchCtx, stopWatch := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Watch(watchCtx, a) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.Save(ctx, cm.Record{PID: "p", Properties: map[string]any{"k": "v"}, ChangeCount: 1}))
	records, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "v", records[0].Properties["k"])

	require.NoError(t, s.Delete(ctx, "p"))
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.applied) == 1 && len(a.deleted) == 1
	}, 5*time.Second, 20*time.Millisecond)

	stopWatch()
	<-done
}
