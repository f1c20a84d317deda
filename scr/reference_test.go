package scr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kochabonline/scr/framework"
)

const dictionary = "sample.Dictionary"

type refRecorder struct {
	mu  sync.Mutex
	got []RefChangeNotification
}

func (r *refRecorder) notify(n RefChangeNotification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

// take returns and forgets what was recorded.
func (r *refRecorder) take() []RefChangeNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	got := r.got
	r.got = nil
	return got
}

func events(ns []RefChangeNotification) []RefEvent {
	out := make([]RefEvent, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Event)
	}
	return out
}

func newRefManager(t *testing.T, fw *framework.Framework, md ReferenceMetadata) (*ReferenceManager, *refRecorder) {
	t.Helper()
	if md.Name == "" {
		md.Name = "dict"
	}
	md.Interface = dictionary
	r, err := NewReferenceManager(md, fw.Context(), discardLog(), "owner")
	require.NoError(t, err)
	t.Cleanup(r.StopTracking)
	rec := &refRecorder{}
	r.RegisterListener(rec.notify)
	return r, rec
}

func registerDict(t *testing.T, fw *framework.Framework, props map[string]any) *framework.ServiceRegistration {
	t.Helper()
	reg, err := fw.Context().RegisterService([]string{dictionary}, &struct{ name string }{"dict"}, props)
	require.NoError(t, err)
	return reg
}

func TestStaticReluctantReference(t *testing.T) {
	fw := newFramework(t)
	r, rec := newRefManager(t, fw, ReferenceMetadata{Cardinality: "1..1", Policy: PolicyStatic, PolicyOption: PolicyOptionReluctant})
	assert.False(t, r.IsSatisfied())
	assert.False(t, r.IsOptional())

	a := registerDict(t, fw, nil)
	assert.Equal(t, []RefEvent{BecameSatisfied}, events(rec.take()))
	assert.Equal(t, []*framework.ServiceReference{a.Reference()}, r.BoundReferences())

	// a better service does not replace a reluctant binding
	b := registerDict(t, fw, map[string]any{framework.ServiceRanking: 10})
	assert.Empty(t, rec.take())
	assert.Equal(t, []*framework.ServiceReference{a.Reference()}, r.BoundReferences())
	assert.Equal(t, []*framework.ServiceReference{b.Reference(), a.Reference()}, r.TargetReferences())

	require.NoError(t, a.Unregister())
	assert.Equal(t, []RefEvent{BecameUnsatisfied, BecameSatisfied}, events(rec.take()))
	assert.Equal(t, []*framework.ServiceReference{b.Reference()}, r.BoundReferences())

	require.NoError(t, b.Unregister())
	assert.Equal(t, []RefEvent{BecameUnsatisfied}, events(rec.take()))
	assert.False(t, r.IsSatisfied())
}

func TestStaticGreedyReference(t *testing.T) {
	fw := newFramework(t)
	r, rec := newRefManager(t, fw, ReferenceMetadata{Cardinality: "1..1", Policy: PolicyStatic, PolicyOption: PolicyOptionGreedy})

	a := registerDict(t, fw, nil)
	assert.Equal(t, []RefEvent{BecameSatisfied}, events(rec.take()))

	// a worse service changes nothing
	registerDict(t, fw, map[string]any{framework.ServiceRanking: -1})
	assert.Empty(t, rec.take())

	b := registerDict(t, fw, map[string]any{framework.ServiceRanking: 10})
	assert.Equal(t, []RefEvent{BecameUnsatisfied, BecameSatisfied}, events(rec.take()))
	assert.Equal(t, []*framework.ServiceReference{b.Reference()}, r.BoundReferences())
	assert.NotContains(t, r.BoundReferences(), a.Reference())
}

func TestDynamicReference(t *testing.T) {
	fw := newFramework(t)
	_, rec := newRefManager(t, fw, ReferenceMetadata{Cardinality: "1..1", Policy: PolicyDynamic, PolicyOption: PolicyOptionReluctant})

	a := registerDict(t, fw, nil)
	assert.Equal(t, []RefEvent{BecameSatisfied}, events(rec.take()))

	b := registerDict(t, fw, nil)
	assert.Empty(t, rec.take(), "reluctant binding is full")

	require.NoError(t, a.Unregister())
	got := rec.take()
	require.Len(t, got, 1)
	assert.Equal(t, Rebind, got[0].Event)
	assert.Same(t, b.Reference(), got[0].Bind)
	assert.Same(t, a.Reference(), got[0].Unbind)

	require.NoError(t, b.Unregister())
	assert.Equal(t, []RefEvent{BecameUnsatisfied}, events(rec.take()))
}

func TestDynamicGreedyReplacesWorst(t *testing.T) {
	fw := newFramework(t)
	r, rec := newRefManager(t, fw, ReferenceMetadata{Cardinality: "1..1", Policy: PolicyDynamic, PolicyOption: PolicyOptionGreedy})

	a := registerDict(t, fw, nil)
	rec.take()
	b := registerDict(t, fw, map[string]any{framework.ServiceRanking: 5})
	got := rec.take()
	require.Len(t, got, 1)
	assert.Equal(t, Rebind, got[0].Event)
	assert.Same(t, b.Reference(), got[0].Bind)
	assert.Same(t, a.Reference(), got[0].Unbind)
	assert.Equal(t, []*framework.ServiceReference{b.Reference()}, r.BoundReferences())
}

func TestMultipleOptionalReference(t *testing.T) {
	fw := newFramework(t)
	existing := registerDict(t, fw, nil)
	r, rec := newRefManager(t, fw, ReferenceMetadata{Cardinality: "0..n", Policy: PolicyDynamic, PolicyOption: PolicyOptionReluctant})

	assert.True(t, r.IsOptional())
	assert.True(t, r.IsSatisfied())
	assert.Equal(t, []*framework.ServiceReference{existing.Reference()}, r.BoundReferences(), "filled on listener registration")

	b := registerDict(t, fw, map[string]any{framework.ServiceRanking: 3})
	got := rec.take()
	require.Len(t, got, 1)
	assert.Equal(t, Rebind, got[0].Event)
	assert.Same(t, b.Reference(), got[0].Bind)
	assert.Nil(t, got[0].Unbind)
	assert.Equal(t, []*framework.ServiceReference{b.Reference(), existing.Reference()}, r.BoundReferences())

	require.NoError(t, existing.Unregister())
	got = rec.take()
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Bind)
	assert.Same(t, existing.Reference(), got[0].Unbind)
	assert.True(t, r.IsSatisfied())
}

func TestReferenceIgnoresOwnServicesAndTarget(t *testing.T) {
	fw := newFramework(t)
	r, rec := newRefManager(t, fw, ReferenceMetadata{Cardinality: "1..1", Target: "(lang=en)", Policy: PolicyStatic})

	registerDict(t, fw, map[string]any{ComponentName: "owner", "lang": "en"})
	registerDict(t, fw, map[string]any{"lang": "de"})
	assert.Empty(t, rec.take())
	assert.False(t, r.IsSatisfied())
	assert.Empty(t, r.TargetReferences())

	registerDict(t, fw, map[string]any{"lang": "en"})
	assert.Equal(t, []RefEvent{BecameSatisfied}, events(rec.take()))
}

func TestReferenceUnregisterListener(t *testing.T) {
	fw := newFramework(t)
	r, rec := newRefManager(t, fw, ReferenceMetadata{Cardinality: "1..1", Policy: PolicyStatic})
	other := &refRecorder{}
	token := r.RegisterListener(other.notify)
	r.UnregisterListener(token)

	registerDict(t, fw, nil)
	assert.Len(t, rec.take(), 1)
	assert.Empty(t, other.take())
}
