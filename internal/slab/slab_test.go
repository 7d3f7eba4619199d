package slab_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/internal/slab"
	"github.com/cuemby/warren/internal/storeref"
)

func TestNewInMemoryAllocReservesHeaderRegion(t *testing.T) {
	alloc := slab.New()
	mr, err := alloc.Alloc(16)
	require.NoError(t, err)
	assert.NotEqual(t, storeref.NullRef, mr.Ref, "the first allocation must never collide with the null ref")
	assert.False(t, alloc.IsReadOnly(mr.Ref))
}

func TestOpenBrandNewFileThenReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.warren")

	alloc, err := slab.Open(path, false)
	require.NoError(t, err)

	topRef, err := alloc.GetTopRef()
	require.NoError(t, err)
	assert.Equal(t, storeref.NullRef, topRef, "a freshly created file has no top ref yet")

	mr, err := alloc.Alloc(64)
	require.NoError(t, err)
	assert.NotEqual(t, storeref.NullRef, mr.Ref)
	require.NoError(t, alloc.Close())

	reopened, err := slab.Open(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	topRef, err = reopened.GetTopRef()
	require.NoError(t, err)
	assert.Equal(t, storeref.NullRef, topRef, "nothing was ever committed through the two-phase writer")
}

func TestAllocFreeReuseAndReAlloc(t *testing.T) {
	alloc := slab.New()
	mr, err := alloc.Alloc(32)
	require.NoError(t, err)
	data := mr.Data
	for i := range data {
		data[i] = byte(i)
	}

	grown, err := alloc.ReAlloc(mr.Ref, data, 64)
	require.NoError(t, err)
	assert.Equal(t, byte(0), grown.Data[0])
	assert.Equal(t, byte(31), grown.Data[31])

	alloc.Free(grown.Ref, grown.Data)
	again, err := alloc.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, grown.Ref, again.Ref, "an exact-size free is reused by the next matching allocation")
}

func TestWriterLockRejectsSecondWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.warren")
	first, err := slab.Open(path, false)
	require.NoError(t, err)
	defer first.Close()

	_, err = slab.Open(path, false)
	assert.Error(t, err, "a second concurrent writer must be rejected by the advisory flock")
}

func TestFreeAllResetsBaselineAndSlabs(t *testing.T) {
	alloc := slab.New()
	_, err := alloc.Alloc(16)
	require.NoError(t, err)

	require.NoError(t, alloc.FreeAll(1<<20))
	assert.Equal(t, storeref.Ref(1<<20), alloc.Baseline())
	assert.True(t, alloc.IsReadOnly(storeref.Ref(100)))
}
