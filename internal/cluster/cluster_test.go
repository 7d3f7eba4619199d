package cluster_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/internal/cluster"
	"github.com/cuemby/warren/internal/dberr"
	"github.com/cuemby/warren/internal/slab"
)

func testSchema() *cluster.Schema {
	return &cluster.Schema{Columns: []cluster.ColumnDef{
		{Name: "n", Type: cluster.ColInt},
	}}
}

func TestClusterInsertGetErase(t *testing.T) {
	alloc := slab.New()
	schema := testSchema()
	c, err := cluster.CreateEmpty(alloc, schema)
	require.NoError(t, err)

	sibRef, err := c.Insert(cluster.ObjKey(5), 256, []cluster.Value{cluster.IntValue(50)})
	require.NoError(t, err)
	assert.True(t, sibRef.IsNull())
	assert.Equal(t, 1, c.Size())

	v, err := c.GetValue(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), v.Int)

	cascade := &cluster.CascadeState{}
	size, err := c.Erase(cluster.ObjKey(5), cascade)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestClusterInsertDuplicateKeyFails(t *testing.T) {
	alloc := slab.New()
	c, err := cluster.CreateEmpty(alloc, testSchema())
	require.NoError(t, err)

	_, err = c.Insert(cluster.ObjKey(1), 256, []cluster.Value{cluster.IntValue(1)})
	require.NoError(t, err)
	_, err = c.Insert(cluster.ObjKey(1), 256, []cluster.Value{cluster.IntValue(2)})
	assert.ErrorIs(t, err, dberr.ErrInvalidKey)
}

// TestClusterInsertEraseScenario exercises insert keys {3, 1, 4, 1}
// (the second 1 fails with InvalidKey), erase key 3, then asserts
// get_ndx(key=1) = 0 and size() = 2.
func TestClusterInsertEraseScenario(t *testing.T) {
	alloc := slab.New()
	schema := testSchema()
	tree, err := cluster.NewTree(alloc, schema, 256)
	require.NoError(t, err)

	require.NoError(t, tree.Insert(cluster.ObjKey(3), []cluster.Value{cluster.IntValue(30)}))
	require.NoError(t, tree.Insert(cluster.ObjKey(1), []cluster.Value{cluster.IntValue(10)}))
	require.NoError(t, tree.Insert(cluster.ObjKey(4), []cluster.Value{cluster.IntValue(40)}))
	err = tree.Insert(cluster.ObjKey(1), []cluster.Value{cluster.IntValue(99)})
	assert.ErrorIs(t, err, dberr.ErrInvalidKey)

	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	cascade := &cluster.CascadeState{}
	newSize, err := tree.Erase(cluster.ObjKey(3), cascade)
	require.NoError(t, err)
	assert.Equal(t, 2, newSize)
	assert.Empty(t, cascade.DrainCascade())

	ndx, err := tree.GetNdx(cluster.ObjKey(1))
	require.NoError(t, err)
	assert.Equal(t, 0, ndx)

	size, err = tree.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestClusterCascadeDelete(t *testing.T) {
	alloc := slab.New()
	schema := &cluster.Schema{Columns: []cluster.ColumnDef{
		{Name: "incoming", Type: cluster.ColBacklink, SourceTable: cluster.TableKey(7)},
	}}
	c, err := cluster.CreateEmpty(alloc, schema)
	require.NoError(t, err)

	_, err = c.Insert(cluster.ObjKey(1), 256, []cluster.Value{{Backlinks: []cluster.ObjKey{11, 12}}})
	require.NoError(t, err)

	cascade := &cluster.CascadeState{}
	_, err = c.Erase(cluster.ObjKey(1), cascade)
	require.NoError(t, err)

	entries := cascade.DrainCascade()
	require.Len(t, entries, 2)
	assert.Equal(t, cluster.TableKey(7), entries[0].Table)
	assert.ElementsMatch(t, []cluster.ObjKey{11, 12}, []cluster.ObjKey{entries[0].Obj, entries[1].Obj})
}

func TestClusterTreeSplitAndMerge(t *testing.T) {
	alloc := slab.New()
	schema := testSchema()
	tree, err := cluster.NewTree(alloc, schema, 4)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Insert(cluster.ObjKey(i), []cluster.Value{cluster.IntValue(int64(i * 10))}))
	}
	size, err := tree.Size()
	require.NoError(t, err)
	assert.Equal(t, 10, size)

	for i := 0; i < 10; i++ {
		v, err := tree.GetValue(cluster.ObjKey(i), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(i*10), v.Int)
	}

	var seen []cluster.ObjKey
	require.NoError(t, tree.ForEachRow(func(key cluster.ObjKey, leaf *cluster.Cluster, idx int) bool {
		seen = append(seen, key)
		return true
	}))
	require.Len(t, seen, 10)
	for i, k := range seen {
		assert.Equal(t, cluster.ObjKey(i), k)
	}

	cascade := &cluster.CascadeState{}
	for i := 0; i < 6; i++ {
		_, err := tree.Erase(cluster.ObjKey(i), cascade)
		require.NoError(t, err)
	}
	size, err = tree.Size()
	require.NoError(t, err)
	assert.Equal(t, 4, size)

	for i := 6; i < 10; i++ {
		v, err := tree.GetValue(cluster.ObjKey(i), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(i*10), v.Int)
	}
}
