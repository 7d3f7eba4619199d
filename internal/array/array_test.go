package array_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/internal/array"
	"github.com/cuemby/warren/internal/slab"
	"github.com/cuemby/warren/internal/storeref"
)

func TestArrayCreateGetSet(t *testing.T) {
	alloc := slab.New()
	a, err := array.Create(alloc, false, false, false, false, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Size())

	for i := 0; i < 4; i++ {
		require.NoError(t, a.Set(i, int64(i*10)))
	}
	for i := 0; i < 4; i++ {
		v, err := a.Get(i)
		require.NoError(t, err)
		assert.Equal(t, int64(i*10), v)
	}
}

func TestArrayWidensOnOverflow(t *testing.T) {
	alloc := slab.New()
	a, err := array.Create(alloc, false, false, false, false, 8, 2)
	require.NoError(t, err)
	require.NoError(t, a.Set(0, 100))
	assert.Equal(t, 8, a.Width())
	require.NoError(t, a.Set(1, 1<<40))
	assert.Equal(t, 64, a.Width())
	v, err := a.Get(0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v, "widening must preserve earlier values")
}

func TestArrayInsertEraseAddTruncate(t *testing.T) {
	alloc := slab.New()
	a, err := array.Create(alloc, false, false, false, false, 0, 0)
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		require.NoError(t, a.Add(int64(i)))
	}
	require.NoError(t, a.Insert(0, -1))
	v, err := a.Get(0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)
	v, err = a.Get(10)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)

	require.NoError(t, a.Erase(0))
	v, err = a.Get(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	require.NoError(t, a.Truncate(0))
	assert.Equal(t, 0, a.Size())
	assert.Equal(t, 0, a.Width())
}

func TestArrayNegativeRequiresSignedWidth(t *testing.T) {
	alloc := slab.New()
	a, err := array.Create(alloc, false, false, false, false, 0, 1)
	require.NoError(t, err)
	require.NoError(t, a.Set(0, -5))
	v, err := a.Get(0)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), v)
}

func TestArrayRefsTaggedVsChild(t *testing.T) {
	alloc := slab.New()
	a, err := array.Create(alloc, true, false, false, false, 8, 1)
	require.NoError(t, err)
	require.NoError(t, a.SetAsRef(0, storeref.Ref(128)))
	ref, err := a.GetAsRef(0)
	require.NoError(t, err)
	assert.Equal(t, storeref.Ref(128), ref)
}

func TestArrayOutOfBounds(t *testing.T) {
	alloc := slab.New()
	a, err := array.Create(alloc, false, false, false, false, 8, 2)
	require.NoError(t, err)
	_, err = a.Get(5)
	assert.Error(t, err)
	err = a.Set(5, 1)
	assert.Error(t, err)
}

func TestArrayCopyOnWriteOnReadOnlyRef(t *testing.T) {
	alloc := slab.New()
	a, err := array.Create(alloc, false, false, false, false, 8, 2)
	require.NoError(t, err)
	// Simulate the array having been published by committing the slab
	// region into the "file" baseline: everything below the new
	// baseline becomes read-only.
	require.NoError(t, alloc.FreeAll(a.Ref()+storeref.Ref(a.ByteSize())))

	reopened, err := array.InitFromRef(alloc, a.Ref())
	require.NoError(t, err)
	assert.True(t, alloc.IsReadOnly(reopened.Ref()))

	originalRef := reopened.Ref()
	require.NoError(t, reopened.Set(0, 77))
	assert.NotEqual(t, originalRef, reopened.Ref(), "set on a read-only ref must copy-on-write to a fresh ref")
	assert.False(t, alloc.IsReadOnly(reopened.Ref()))
}
