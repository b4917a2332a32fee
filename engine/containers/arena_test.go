package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaHandlesAreIndices(t *testing.T) {
	a := NewArena[string]()
	h0 := a.Insert("a")
	h1 := a.Insert("b")

	assert.False(t, h0.IsNil())
	assert.Equal(t, uint32(0), h0.Index())
	assert.Equal(t, uint32(1), h1.Index())
	assert.Equal(t, uint32(1), h0.Generation())
	require.NotNil(t, a.Get(h1))
	assert.Equal(t, "b", *a.Get(h1))
	assert.Equal(t, 2, a.Len())
}

func TestArenaStaleHandle(t *testing.T) {
	a := NewArena[int]()
	a.ReuseSlots = true
	h := a.Insert(7)
	require.True(t, a.Remove(h))
	assert.False(t, a.Remove(h))
	assert.Nil(t, a.Get(h))

	reused := a.Insert(9)
	assert.Equal(t, h.Index(), reused.Index())
	assert.NotEqual(t, h, reused)
	assert.Nil(t, a.Get(h))
	assert.Equal(t, 9, *a.Get(reused))
}

func TestArenaNoReuseByDefault(t *testing.T) {
	a := NewArena[int]()
	h := a.Insert(1)
	a.Remove(h)
	next := a.Insert(2)
	assert.Equal(t, uint32(1), next.Index())
	assert.Equal(t, 2, a.Cap())
	assert.Equal(t, 1, a.Len())

	var seen []int
	a.Each(func(_ Handle, v *int) { seen = append(seen, *v) })
	assert.Equal(t, []int{2}, seen)
	assert.Nil(t, a.Get(Handle(0)))
}
