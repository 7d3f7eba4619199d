package walcompat_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/internal/cluster"
	"github.com/cuemby/warren/internal/dbconfig"
	"github.com/cuemby/warren/internal/dbgroup"
	"github.com/cuemby/warren/internal/walcompat"
)

func usersSchema() *cluster.Schema {
	return &cluster.Schema{Columns: []cluster.ColumnDef{
		{Name: "name", Type: cluster.ColString},
		{Name: "age", Type: cluster.ColInt},
	}}
}

func snapshotRows(t *testing.T, tree *cluster.ClusterTree) map[string][]string {
	t.Helper()
	rows := map[string][]string{}
	err := tree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		nameVal, lerr := tree.GetValue(key, 0)
		require.NoError(t, lerr)
		ageVal, lerr := tree.GetValue(key, 1)
		require.NoError(t, lerr)
		rows[strconv.FormatInt(int64(key), 10)] = []string{nameVal.Str, strconv.FormatInt(ageVal.Int, 10)}
		return true
	})
	require.NoError(t, err)
	return rows
}

// TestCommittedVersionSurvivesLostTopRefSwap exercises the crash-safety
// invariant §4.5's two-fsync doCommit documents: a crash that loses
// only the final 8-byte top-ref swap must still recover the last fully
// published version intact. After a first commit, this test records
// the table's rows into a bbolt-backed Oracle as the trusted "expected
// after commit 1" state; after a second commit adds more rows, it
// rolls the on-disk top-ref back to its pre-second-commit value (the
// one torn-write outcome doCommit's comment calls out), simulating a
// crash that happened after the new arrays were flushed but before the
// pointer swap landed. Reopening must show exactly the Oracle's
// recorded commit-1 state, never a mix of the two commits.
func TestCommittedVersionSurvivesLostTopRefSwap(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "crash.db")
	oraclePath := filepath.Join(dir, "oracle.bolt")

	oracle, err := walcompat.Open(oraclePath)
	require.NoError(t, err)
	defer oracle.Close()

	g, err := dbgroup.Open(dbPath, dbconfig.DefaultOptions())
	require.NoError(t, err)

	tree, err := g.CreateTable("users", usersSchema(), 0)
	require.NoError(t, err)
	require.NoError(t, tree.Insert(0, []cluster.Value{cluster.StringValue("alice"), cluster.IntValue(30)}))
	require.NoError(t, tree.Insert(1, []cluster.Value{cluster.StringValue("bob"), cluster.IntValue(40)}))
	require.NoError(t, g.Commit())

	tree, _, ok := g.Table("users")
	require.True(t, ok)
	require.NoError(t, oracle.Record(walcompat.Snapshot{Table: "users", Rows: snapshotRows(t, tree)}))

	preSecondCommitTopRef := readTopRefBytes(t, dbPath)

	require.NoError(t, tree.Insert(2, []cluster.Value{cluster.StringValue("carol"), cluster.IntValue(50)}))
	require.NoError(t, g.Commit())
	require.NoError(t, g.Close())

	// Simulate a crash that lost only the 8-byte top-ref overwrite of
	// the second commit: the new arrays it wrote are still physically
	// on disk and now simply unreachable, exactly as doCommit's own
	// comment describes.
	writeTopRefBytes(t, dbPath, preSecondCommitTopRef)

	g2, err := dbgroup.Open(dbPath, dbconfig.Options{Mode: dbconfig.ReadOnly})
	require.NoError(t, err)
	defer g2.Close()

	recoveredTree, _, ok := g2.Table("users")
	require.True(t, ok)
	size, err := recoveredTree.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size, "the lost commit's third row must not appear after recovery")

	wantSnap, ok, err := oracle.Latest("users")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wantSnap.Rows, snapshotRows(t, recoveredTree))
}

func readTopRefBytes(t *testing.T, path string) [8]byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var buf [8]byte
	_, err = f.ReadAt(buf[:], 0)
	require.NoError(t, err)
	return buf
}

func writeTopRefBytes(t *testing.T, path string, buf [8]byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt(buf[:], 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
}
