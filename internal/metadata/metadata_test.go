package metadata_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/internal/cluster"
	"github.com/cuemby/warren/internal/dbconfig"
	"github.com/cuemby/warren/internal/dbgroup"
	"github.com/cuemby/warren/internal/metadata"
)

func TestGetVersionForAbsentTableReturnsNotFound(t *testing.T) {
	g, err := dbgroup.OpenBuffer(nil, false)
	require.NoError(t, err)
	s, err := metadata.Open(g, false)
	require.NoError(t, err)

	_, ok, err := s.GetVersionFor("flx_subscription_store")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetVersionForCreatesTableOnFirstWrite(t *testing.T) {
	g, err := dbgroup.OpenBuffer(nil, false)
	require.NoError(t, err)
	s, err := metadata.Open(g, false)
	require.NoError(t, err)

	require.NoError(t, s.SetVersionFor("flx_subscription_store", 3))

	v, ok, err := s.GetVersionFor("flx_subscription_store")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), v)

	_, ok, err = s.GetVersionFor("some_other_group")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetVersionForUpdatesInPlace(t *testing.T) {
	g, err := dbgroup.OpenBuffer(nil, false)
	require.NoError(t, err)
	s, err := metadata.Open(g, false)
	require.NoError(t, err)

	require.NoError(t, s.SetVersionFor("g", 1))
	require.NoError(t, s.SetVersionFor("g", 2))

	v, ok, err := s.GetVersionFor("g")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
}

// seedLegacyDatabase writes a database file whose only table is a
// pre-unification flx_metadata, one row, one column schema_version,
// the exact shape scenario S6 opens.
func seedLegacyDatabase(t *testing.T, path string, schemaVersion int64) {
	t.Helper()
	g, err := dbgroup.Open(path, dbconfig.Options{Mode: dbconfig.ReadWrite})
	require.NoError(t, err)

	tree, err := g.CreateTable("flx_metadata", &cluster.Schema{Columns: []cluster.ColumnDef{
		{Name: "schema_version", Type: cluster.ColInt},
	}}, 0)
	require.NoError(t, err)
	require.NoError(t, tree.Insert(0, []cluster.Value{cluster.IntValue(schemaVersion)}))
	require.NoError(t, g.Commit())
	require.NoError(t, g.Close())
}

// TestLegacyMigrationOnWriteOpen implements scenario S6: open a
// database file containing flx_metadata with schema_version=2; after
// first write-mode open, assert flx_metadata no longer exists and
// get_version_for(flx_subscription_store) == 2.
func TestLegacyMigrationOnWriteOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDatabase(t, path, 2)

	g, err := dbgroup.Open(path, dbconfig.Options{Mode: dbconfig.ReadWrite})
	require.NoError(t, err)
	defer g.Close()

	s, err := metadata.Open(g, false)
	require.NoError(t, err)

	_, _, stillThere := g.Table("flx_metadata")
	assert.False(t, stillThere, "flx_metadata must be dropped by the migration")

	v, ok, err := s.GetVersionFor("flx_subscription_store")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), v)

	// The migration commits, so a fresh reopen must see the same state
	// without migrating again.
	require.NoError(t, g.Close())
	g2, err := dbgroup.Open(path, dbconfig.Options{Mode: dbconfig.ReadWrite})
	require.NoError(t, err)
	defer g2.Close()
	s2, err := metadata.Open(g2, false)
	require.NoError(t, err)
	v2, ok, err := s2.GetVersionFor("flx_subscription_store")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), v2)
}

// TestLegacyMigrationSkippedOnReadOnlyOpen asserts a read-only opener
// sees the legacy table as absent and performs no migration (§4.7).
func TestLegacyMigrationSkippedOnReadOnlyOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDatabase(t, path, 2)

	g, err := dbgroup.Open(path, dbconfig.Options{Mode: dbconfig.ReadOnly})
	require.NoError(t, err)
	defer g.Close()

	s, err := metadata.Open(g, true)
	require.NoError(t, err)

	_, _, stillThere := g.Table("flx_metadata")
	assert.True(t, stillThere, "a read-only open must not drop the legacy table")

	_, ok, err := s.GetVersionFor("flx_subscription_store")
	require.NoError(t, err)
	assert.False(t, ok, "a read-only open must not see the migrated version")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
