package groupwriter_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/internal/array"
	"github.com/cuemby/warren/internal/groupwriter"
	"github.com/cuemby/warren/internal/slab"
	"github.com/cuemby/warren/internal/storeref"
)

func TestGroupWriterCommitPublishesTopRef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.warren")

	alloc, err := slab.Open(path, false)
	require.NoError(t, err)

	tableNames, err := array.Create(alloc, false, false, false, false, 0, 2)
	require.NoError(t, err)
	require.NoError(t, tableNames.Set(0, 11))
	require.NoError(t, tableNames.Set(1, 22))

	tables, err := array.Create(alloc, true, false, false, false, 0, 1)
	require.NoError(t, err)

	top, err := array.Create(alloc, true, false, false, false, 0, 4)
	require.NoError(t, err)

	// A real Group bootstraps a brand new database with its 24-byte
	// header already reserved (§6), so file position 0 is never handed
	// out as an array's ref.
	gw, err := groupwriter.New(alloc, storeref.NullRef, storeref.NullRef, 24, 0, false)
	require.NoError(t, err)

	topRef, fileLen, err := gw.Commit(top, tableNames.Ref(), tables.Ref())
	require.NoError(t, err)
	assert.NotZero(t, topRef)
	assert.Greater(t, fileLen, int64(0))
	require.NoError(t, alloc.Close())

	alloc2, err := slab.Open(path, true)
	require.NoError(t, err)
	defer alloc2.Close()

	gotRef, err := alloc2.GetTopRef()
	require.NoError(t, err)
	assert.Equal(t, topRef, gotRef)

	persisted, err := array.InitFromRef(alloc2, gotRef)
	require.NoError(t, err)
	assert.Equal(t, 4, persisted.Size())

	nRef, err := persisted.GetAsRef(0)
	require.NoError(t, err)
	persistedNames, err := array.InitFromRef(alloc2, nRef)
	require.NoError(t, err)
	v0, err := persistedNames.Get(0)
	require.NoError(t, err)
	v1, err := persistedNames.Get(1)
	require.NoError(t, err)
	assert.Equal(t, int64(11), v0)
	assert.Equal(t, int64(22), v1)
}

func TestGroupWriterGetFreeSpaceReuse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.warren")
	alloc, err := slab.Open(path, false)
	require.NoError(t, err)
	defer alloc.Close()

	gw, err := groupwriter.New(alloc, storeref.NullRef, storeref.NullRef, 24, 0, false)
	require.NoError(t, err)

	pos1, err := gw.GetFreeSpace(64, false, false)
	require.NoError(t, err)
	require.NoError(t, gw.Free(pos1, 64))

	pos2, err := gw.GetFreeSpace(32, false, false)
	require.NoError(t, err)
	assert.Equal(t, pos1, pos2, "a matching free entry is reused before the file is extended again")
}

func TestGroupWriterHonorsInitialFileSizeFloorOnFirstGrowthOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.warren")
	alloc, err := slab.Open(path, false)
	require.NoError(t, err)
	defer alloc.Close()

	// dbconfig.Options.InitialFileSize rounds up to whole megabytes and
	// floors only the writer's first extension; a tiny request still
	// grows the file to 3 MiB instead of the default 1 MiB chunk.
	gw, err := groupwriter.New(alloc, storeref.NullRef, storeref.NullRef, 24, 3<<20, false)
	require.NoError(t, err)

	_, err = gw.GetFreeSpace(64, false, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3<<20), stat(t, path), "first growth is floored to the configured initial size")

	_, err = gw.GetFreeSpace(4<<20, false, false)
	require.NoError(t, err)
	assert.Equal(t, int64(7<<20), stat(t, path), "later growth only adds whole 1 MiB chunks, not the initial-size floor again")
}

func TestGroupWriterAlignsFileLengthTo8Bytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.warren")
	alloc, err := slab.Open(path, false)
	require.NoError(t, err)
	defer alloc.Close()

	gw, err := groupwriter.New(alloc, storeref.NullRef, storeref.NullRef, 3, 5, true)
	require.NoError(t, err)

	_, err = gw.GetFreeSpace(1, false, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stat(t, path)%8, "aligned file length must land on an 8-byte boundary")
}

func stat(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}
