package scr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentRegistry(t *testing.T) {
	fw := newFramework(t)
	e1 := newEngine(t, fw, "one")
	e2 := newEngine(t, fw, "two")

	a := e1.manager(t, &ComponentMetadata{Name: "a"})
	b := e1.manager(t, &ComponentMetadata{Name: "b"})
	dup := e1.manager(t, &ComponentMetadata{Name: "a"})
	other := e2.manager(t, &ComponentMetadata{Name: "a"})

	r := NewComponentRegistry()
	assert.True(t, r.AddComponentManager(b))
	assert.True(t, r.AddComponentManager(a))
	assert.False(t, r.AddComponentManager(dup))
	assert.True(t, r.AddComponentManager(other))
	assert.Equal(t, 3, r.Count())

	got, ok := r.GetComponentManager(e1.bundle.ID(), "a")
	require.True(t, ok)
	assert.Same(t, a, got)

	managers := r.GetComponentManagers(e1.bundle.ID())
	require.Len(t, managers, 2)
	assert.Equal(t, "a", managers[0].Name())
	assert.Equal(t, "b", managers[1].Name())

	// removing a manager that was never added leaves the original in place
	r.RemoveComponentManager(dup)
	_, ok = r.GetComponentManager(e1.bundle.ID(), "a")
	assert.True(t, ok)

	r.RemoveComponentManager(a)
	_, ok = r.GetComponentManager(e1.bundle.ID(), "a")
	assert.False(t, ok)

	r.Clear()
	assert.Zero(t, r.Count())
	assert.Empty(t, r.All())
}
