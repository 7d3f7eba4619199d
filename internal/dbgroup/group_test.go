package dbgroup_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/internal/cluster"
	"github.com/cuemby/warren/internal/dbconfig"
	"github.com/cuemby/warren/internal/dbgroup"
)

func usersSchema() *cluster.Schema {
	return &cluster.Schema{Columns: []cluster.ColumnDef{
		{Name: "name", Type: cluster.ColString},
		{Name: "age", Type: cluster.ColInt},
	}}
}

func TestGroupCreateTableAndCommitRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.warren")

	g, err := dbgroup.Open(path, dbconfig.DefaultOptions())
	require.NoError(t, err)

	tree, err := g.CreateTable("users", usersSchema(), 4)
	require.NoError(t, err)
	require.NoError(t, tree.Insert(cluster.ObjKey(1), []cluster.Value{
		cluster.StringValue("ada"), cluster.IntValue(36),
	}))
	require.NoError(t, tree.Insert(cluster.ObjKey(2), []cluster.Value{
		cluster.StringValue("grace"), cluster.IntValue(42),
	}))

	require.NoError(t, g.Commit())
	require.NoError(t, g.Close())

	reopened, err := dbgroup.Open(path, dbconfig.DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, []string{"users"}, reopened.TableNames())

	reTree, schema, ok := reopened.Table("users")
	require.True(t, ok)
	assert.Len(t, schema.Columns, 2)

	size, err := reTree.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	v, err := reTree.GetValue(cluster.ObjKey(1), 0)
	require.NoError(t, err)
	assert.Equal(t, "ada", v.Str)

	v, err = reTree.GetValue(cluster.ObjKey(2), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int)
}

func TestGroupCreateTableDuplicateNameFails(t *testing.T) {
	g, err := dbgroup.OpenBuffer(nil, false)
	require.NoError(t, err)

	_, err = g.CreateTable("users", usersSchema(), 0)
	require.NoError(t, err)

	_, err = g.CreateTable("users", usersSchema(), 0)
	assert.Error(t, err)
}

func TestGroupReadOnlyRejectsCreateAndCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.warren")

	g, err := dbgroup.Open(path, dbconfig.DefaultOptions())
	require.NoError(t, err)
	_, err = g.CreateTable("users", usersSchema(), 0)
	require.NoError(t, err)
	require.NoError(t, g.Commit())
	require.NoError(t, g.Close())

	ro, err := dbgroup.Open(path, dbconfig.Options{Mode: dbconfig.ReadOnly})
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.CreateTable("more", usersSchema(), 0)
	assert.Error(t, err)
	assert.Error(t, ro.Commit())
}

func TestGroupBufferModeRejectsCommit(t *testing.T) {
	g, err := dbgroup.OpenBuffer(nil, false)
	require.NoError(t, err)
	_, err = g.CreateTable("users", usersSchema(), 0)
	require.NoError(t, err)

	err = g.Commit()
	assert.Error(t, err, "commit must be refused when there is no backing file")
}

func TestGroupDropTableRemovesFromCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.warren")
	g, err := dbgroup.Open(path, dbconfig.DefaultOptions())
	require.NoError(t, err)

	_, err = g.CreateTable("users", usersSchema(), 0)
	require.NoError(t, err)
	_, err = g.CreateTable("orders", usersSchema(), 0)
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	require.NoError(t, g.DropTable("users"))
	require.NoError(t, g.Commit())
	require.NoError(t, g.Close())

	reopened, err := dbgroup.Open(path, dbconfig.DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []string{"orders"}, reopened.TableNames())
}

func TestGroupMultipleCommitsReuseFreedSpace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.warren")
	g, err := dbgroup.Open(path, dbconfig.DefaultOptions())
	require.NoError(t, err)
	defer g.Close()

	tree, err := g.CreateTable("users", usersSchema(), 4)
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	for i := 1; i <= 8; i++ {
		require.NoError(t, tree.Insert(cluster.ObjKey(i), []cluster.Value{
			cluster.StringValue("row"), cluster.IntValue(int64(i)),
		}))
		require.NoError(t, g.Commit())
	}

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, 8, size)
}
