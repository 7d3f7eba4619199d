package bptree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/internal/bptree"
	"github.com/cuemby/warren/internal/slab"
)

func TestBPlusTreeBasic(t *testing.T) {
	alloc := slab.New()
	tree, err := bptree.New[int64](alloc, bptree.Int64Codec{}, bptree.DefaultBPNodeSize)
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		require.NoError(t, tree.Insert(i, int64(i)))
	}
	assert.Equal(t, 16, tree.Size())

	require.NoError(t, tree.Erase(0))
	v, err := tree.Get(10)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v, "erasing index 0 shifts every later element down by one")

	assert.Equal(t, bptree.Npos, tree.FindFirst(100))
}

func TestBPlusTreeSplit(t *testing.T) {
	alloc := slab.New()
	tree, err := bptree.New[int64](alloc, bptree.Int64Codec{}, 4)
	require.NoError(t, err)

	for i := int64(0); i <= 4; i++ {
		require.NoError(t, tree.Insert(int(i), i))
	}
	assert.Equal(t, 5, tree.Size())

	var leafSizes []int
	var splitKey int64
	first := true
	require.NoError(t, tree.ForEachLeaf(func(values []int64, offset int) bool {
		leafSizes = append(leafSizes, len(values))
		if !first {
			return true
		}
		first = false
		return true
	}))
	require.Len(t, leafSizes, 2)
	assert.Equal(t, 4, leafSizes[0])
	assert.Equal(t, 1, leafSizes[1])

	require.NoError(t, tree.ForEachLeaf(func(values []int64, offset int) bool {
		if offset > 0 {
			splitKey = values[0]
			return false
		}
		return true
	}))
	assert.Equal(t, int64(4), splitKey)

	for i := int64(0); i <= 4; i++ {
		v, err := tree.Get(int(i))
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestBPlusTreeEraseCollapsesRoot(t *testing.T) {
	alloc := slab.New()
	tree, err := bptree.New[int64](alloc, bptree.Int64Codec{}, 4)
	require.NoError(t, err)
	for i := int64(0); i <= 4; i++ {
		require.NoError(t, tree.Insert(int(i), i))
	}
	// erase the lone element in the second leaf: root should collapse
	// back down to a single leaf.
	require.NoError(t, tree.Erase(4))
	assert.Equal(t, 4, tree.Size())
	for i := int64(0); i < 4; i++ {
		v, err := tree.Get(int(i))
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestBPlusTreeEmptyAndSingleElement(t *testing.T) {
	alloc := slab.New()
	tree, err := bptree.New[int64](alloc, bptree.Int64Codec{}, bptree.DefaultBPNodeSize)
	require.NoError(t, err)
	assert.Equal(t, 0, tree.Size())
	assert.Equal(t, bptree.Npos, tree.FindFirst(0))

	require.NoError(t, tree.Insert(0, 42))
	assert.Equal(t, 1, tree.Size())
	v, err := tree.Get(0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	require.NoError(t, tree.Erase(0))
	assert.Equal(t, 0, tree.Size())
}
