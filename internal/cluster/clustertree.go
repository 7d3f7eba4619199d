package cluster

import (
	"github.com/cuemby/warren/internal/array"
	"github.com/cuemby/warren/internal/dberr"
	"github.com/cuemby/warren/internal/storeref"
)

// DefaultBPNodeSize is the production per-cluster row capacity. Tests
// pass a smaller value to exercise split/merge boundaries explicitly.
const DefaultBPNodeSize = 256

// ClusterNodeInner is a B+tree inner node over ObjKey-sorted Cluster
// leaves (§4.4). Unlike BPlusTree's compact/general duality, this
// implementation always keeps its boundary array populated: rows are
// sparse-keyed by the table, not dense-allocated, so the shift-factor
// placement realm-core's compact form relies on does not apply here
// (documented simplification — see DESIGN.md).
//
// Slot layout: [0] ref to a signed Array of each child's first key,
// [1] tagged subtree depth, [2] tagged subtree row count, [3..] child
// refs.
const (
	slotBoundaries = 0
	slotDepth      = 1
	slotSubtreeSz  = 2
	slotFirstChild = 3
)

// ClusterTree is the B+tree over ObjKey for one table's rows.
type ClusterTree struct {
	alloc      storeref.Allocator
	schema     *Schema
	bpnodeSize int
	rootRef    storeref.Ref
}

// NewTree creates an empty tree rooted at a single empty cluster.
func NewTree(alloc storeref.Allocator, schema *Schema, bpnodeSize int) (*ClusterTree, error) {
	if bpnodeSize <= 0 {
		bpnodeSize = DefaultBPNodeSize
	}
	root, err := CreateEmpty(alloc, schema)
	if err != nil {
		return nil, err
	}
	return &ClusterTree{alloc: alloc, schema: schema, bpnodeSize: bpnodeSize, rootRef: root.Ref()}, nil
}

// InitTreeFromRef attaches a tree accessor to an existing root ref.
func InitTreeFromRef(alloc storeref.Allocator, schema *Schema, bpnodeSize int, ref storeref.Ref) *ClusterTree {
	if bpnodeSize <= 0 {
		bpnodeSize = DefaultBPNodeSize
	}
	return &ClusterTree{alloc: alloc, schema: schema, bpnodeSize: bpnodeSize, rootRef: ref}
}

// RootRef returns the tree's current root ref, for the owning table
// catalog entry to persist.
func (t *ClusterTree) RootRef() storeref.Ref { return t.rootRef }

// Size returns the total row count across every leaf.
func (t *ClusterTree) Size() (int, error) {
	return subtreeSizeAt(t.alloc, t.schema, t.rootRef)
}

func innerChildCount(a *array.Array) int { return a.Size() - slotFirstChild }

func innerDepth(a *array.Array) int {
	v, _ := a.Get(slotDepth)
	return int(storeref.Ref(uint64(v)).UntagInt())
}

func innerSubtreeSize(a *array.Array) int {
	v, _ := a.Get(slotSubtreeSz)
	return int(storeref.Ref(uint64(v)).UntagInt())
}

func setInnerSubtreeSize(a *array.Array, n int) error {
	return a.Set(slotSubtreeSz, int64(storeref.TagInt(int64(n))))
}

func bumpInnerSubtreeSize(a *array.Array, delta int) error {
	return setInnerSubtreeSize(a, innerSubtreeSize(a)+delta)
}

func subtreeSizeAt(alloc storeref.Allocator, schema *Schema, ref storeref.Ref) (int, error) {
	a, err := array.InitFromRef(alloc, ref)
	if err != nil {
		return 0, err
	}
	if a.IsInnerBPNode() {
		return innerSubtreeSize(a), nil
	}
	cl, err := InitFromRef(alloc, schema, ref)
	if err != nil {
		return 0, err
	}
	return cl.Size(), nil
}

func firstKeyOf(alloc storeref.Allocator, schema *Schema, ref storeref.Ref) (ObjKey, error) {
	a, err := array.InitFromRef(alloc, ref)
	if err != nil {
		return 0, err
	}
	if !a.IsInnerBPNode() {
		cl, err := InitFromRef(alloc, schema, ref)
		if err != nil {
			return 0, err
		}
		return cl.KeyAt(0)
	}
	childRef, err := a.GetAsRef(slotFirstChild)
	if err != nil {
		return 0, err
	}
	return firstKeyOf(alloc, schema, childRef)
}

func locateChild(alloc storeref.Allocator, a *array.Array, key ObjKey) (int, error) {
	n := innerChildCount(a)
	ref, err := a.GetAsRef(slotBoundaries)
	if err != nil {
		return 0, err
	}
	bounds, err := array.InitFromRef(alloc, ref)
	if err != nil {
		return 0, err
	}
	lo, hi := 0, n-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		v, err := bounds.Get(mid)
		if err != nil {
			return 0, err
		}
		if ObjKey(v) <= key {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

func rebuildBoundaries(alloc storeref.Allocator, schema *Schema, a *array.Array) error {
	n := innerChildCount(a)
	firsts := make([]ObjKey, n)
	for i := 0; i < n; i++ {
		ref, err := a.GetAsRef(slotFirstChild + i)
		if err != nil {
			return err
		}
		k, err := firstKeyOf(alloc, schema, ref)
		if err != nil {
			return err
		}
		firsts[i] = k
	}
	bounds, err := array.Create(alloc, false, false, false, false, 0, n)
	if err != nil {
		return err
	}
	for i, k := range firsts {
		if err := bounds.Set(i, int64(k)); err != nil {
			return err
		}
	}
	if oldRef, err := a.GetAsRef(slotBoundaries); err == nil && !oldRef.IsNull() {
		if old, err2 := array.InitFromRef(alloc, oldRef); err2 == nil {
			old.Destroy()
		}
	}
	return a.SetAsRef(slotBoundaries, bounds.Ref())
}

func newInnerNode(alloc storeref.Allocator, schema *Schema, depth int, children []storeref.Ref) (*array.Array, error) {
	n := len(children)
	a, err := array.Create(alloc, true, true, false, false, 0, n+slotFirstChild)
	if err != nil {
		return nil, err
	}
	if err := a.Set(slotDepth, int64(storeref.TagInt(int64(depth)))); err != nil {
		return nil, err
	}
	total := 0
	for i, c := range children {
		if err := a.SetAsRef(slotFirstChild+i, c); err != nil {
			return nil, err
		}
		sz, err := subtreeSizeAt(alloc, schema, c)
		if err != nil {
			return nil, err
		}
		total += sz
	}
	if err := setInnerSubtreeSize(a, total); err != nil {
		return nil, err
	}
	if err := rebuildBoundaries(alloc, schema, a); err != nil {
		return nil, err
	}
	return a, nil
}

func depthOf(alloc storeref.Allocator, ref storeref.Ref) int {
	a, err := array.InitFromRef(alloc, ref)
	if err != nil || !a.IsInnerBPNode() {
		return 0
	}
	return innerDepth(a)
}

// Insert places a new row under key, splitting and growing the tree's
// depth as needed.
func (t *ClusterTree) Insert(key ObjKey, values []Value) error {
	newRootRef, sibRef, err := t.insertInto(t.rootRef, key, values)
	if err != nil {
		return err
	}
	if !sibRef.IsNull() {
		newRoot, err := newInnerNode(t.alloc, t.schema, depthOf(t.alloc, newRootRef)+1, []storeref.Ref{newRootRef, sibRef})
		if err != nil {
			return err
		}
		t.rootRef = newRoot.Ref()
		return nil
	}
	t.rootRef = newRootRef
	return nil
}

func (t *ClusterTree) insertInto(ref storeref.Ref, key ObjKey, values []Value) (storeref.Ref, storeref.Ref, error) {
	a, err := array.InitFromRef(t.alloc, ref)
	if err != nil {
		return 0, 0, err
	}

	if !a.IsInnerBPNode() {
		cl, err := InitFromRef(t.alloc, t.schema, ref)
		if err != nil {
			return 0, 0, err
		}
		sibRef, err := cl.Insert(key, t.bpnodeSize, values)
		if err != nil {
			return 0, 0, err
		}
		return cl.Ref(), sibRef, nil
	}

	childIdx, err := locateChild(t.alloc, a, key)
	if err != nil {
		return 0, 0, err
	}
	childRef, err := a.GetAsRef(slotFirstChild + childIdx)
	if err != nil {
		return 0, 0, err
	}
	newChildRef, childSibRef, err := t.insertInto(childRef, key, values)
	if err != nil {
		return 0, 0, err
	}

	if err := a.CopyOnWrite(); err != nil {
		return 0, 0, err
	}
	needsRebuild := false
	if newChildRef != childRef {
		if err := a.SetAsRef(slotFirstChild+childIdx, newChildRef); err != nil {
			return 0, 0, err
		}
		needsRebuild = true
	}
	if !childSibRef.IsNull() {
		if err := a.Insert(slotFirstChild+childIdx+1, int64(childSibRef)); err != nil {
			return 0, 0, err
		}
		needsRebuild = true
	}
	if needsRebuild {
		if err := rebuildBoundaries(t.alloc, t.schema, a); err != nil {
			return 0, 0, err
		}
	}
	if err := bumpInnerSubtreeSize(a, 1); err != nil {
		return 0, 0, err
	}

	if innerChildCount(a) > t.bpnodeSize {
		leftRef, rightRef, err := splitClusterInner(t.alloc, t.schema, a)
		if err != nil {
			return 0, 0, err
		}
		return leftRef, rightRef, nil
	}
	return a.Ref(), storeref.NullRef, nil
}

func splitClusterInner(alloc storeref.Allocator, schema *Schema, a *array.Array) (storeref.Ref, storeref.Ref, error) {
	n := innerChildCount(a)
	mid := n / 2
	depth := innerDepth(a)
	leftChildren := make([]storeref.Ref, mid)
	rightChildren := make([]storeref.Ref, n-mid)
	for i := 0; i < mid; i++ {
		r, err := a.GetAsRef(slotFirstChild + i)
		if err != nil {
			return 0, 0, err
		}
		leftChildren[i] = r
	}
	for i := mid; i < n; i++ {
		r, err := a.GetAsRef(slotFirstChild + i)
		if err != nil {
			return 0, 0, err
		}
		rightChildren[i-mid] = r
	}
	left, err := newInnerNode(alloc, schema, depth, leftChildren)
	if err != nil {
		return 0, 0, err
	}
	right, err := newInnerNode(alloc, schema, depth, rightChildren)
	if err != nil {
		return 0, 0, err
	}
	if oldRef, err := a.GetAsRef(slotBoundaries); err == nil && !oldRef.IsNull() {
		if old, err2 := array.InitFromRef(alloc, oldRef); err2 == nil {
			old.Destroy()
		}
	}
	a.Destroy()
	return left.Ref(), right.Ref(), nil
}

// mergeClusterChildren folds right's rows into left when both are
// leaves. Merging across inner-node children is left unmerged (the
// tree stays correct, just denser than the ideal §4.4 threshold) since
// it requires the same depth-collapsing machinery root-collapse
// already provides only at the root.
func mergeClusterChildren(alloc storeref.Allocator, schema *Schema, leftRef, rightRef storeref.Ref) (storeref.Ref, error) {
	la, err := array.InitFromRef(alloc, leftRef)
	if err != nil {
		return 0, err
	}
	ra, err := array.InitFromRef(alloc, rightRef)
	if err != nil {
		return 0, err
	}
	if la.IsInnerBPNode() || ra.IsInnerBPNode() {
		return leftRef, nil
	}
	left, err := InitFromRef(alloc, schema, leftRef)
	if err != nil {
		return 0, err
	}
	right, err := InitFromRef(alloc, schema, rightRef)
	if err != nil {
		return 0, err
	}
	n := right.Size()
	for i := 0; i < n; i++ {
		k, err := right.KeyAt(i)
		if err != nil {
			return 0, err
		}
		vals := make([]Value, len(schema.Columns))
		for ci := range schema.Columns {
			v, err := right.GetValue(i, ci)
			if err != nil {
				return 0, err
			}
			vals[ci] = v
		}
		if err := left.appendRow(k, vals); err != nil {
			return 0, err
		}
	}
	right.Destroy()
	return left.Ref(), nil
}

// Erase removes the row at key, cascading through its backlink columns
// into cascade, and merges or collapses nodes per §4.4. Returns the
// tree's new total size.
func (t *ClusterTree) Erase(key ObjKey, cascade *CascadeState) (int, error) {
	newRootRef, err := t.eraseFrom(t.rootRef, key, cascade)
	if err != nil {
		return 0, err
	}
	a, err := array.InitFromRef(t.alloc, newRootRef)
	if err != nil {
		return 0, err
	}
	for a.IsInnerBPNode() && innerChildCount(a) == 1 {
		childRef, err := a.GetAsRef(slotFirstChild)
		if err != nil {
			return 0, err
		}
		a.Destroy()
		a, err = array.InitFromRef(t.alloc, childRef)
		if err != nil {
			return 0, err
		}
	}
	t.rootRef = a.Ref()
	return subtreeSizeAt(t.alloc, t.schema, t.rootRef)
}

func (t *ClusterTree) eraseFrom(ref storeref.Ref, key ObjKey, cascade *CascadeState) (storeref.Ref, error) {
	a, err := array.InitFromRef(t.alloc, ref)
	if err != nil {
		return 0, err
	}

	if !a.IsInnerBPNode() {
		cl, err := InitFromRef(t.alloc, t.schema, ref)
		if err != nil {
			return 0, err
		}
		if _, err := cl.Erase(key, cascade); err != nil {
			return 0, err
		}
		return cl.Ref(), nil
	}

	childIdx, err := locateChild(t.alloc, a, key)
	if err != nil {
		return 0, err
	}
	childRef, err := a.GetAsRef(slotFirstChild + childIdx)
	if err != nil {
		return 0, err
	}
	newChildRef, err := t.eraseFrom(childRef, key, cascade)
	if err != nil {
		return 0, err
	}

	if err := a.CopyOnWrite(); err != nil {
		return 0, err
	}
	childSz, err := subtreeSizeAt(t.alloc, t.schema, newChildRef)
	if err != nil {
		return 0, err
	}

	if childSz == 0 && innerChildCount(a) > 1 {
		if cl, err2 := InitFromRef(t.alloc, t.schema, newChildRef); err2 == nil {
			cl.Destroy()
		}
		if err := a.Erase(slotFirstChild + childIdx); err != nil {
			return 0, err
		}
		if err := rebuildBoundaries(t.alloc, t.schema, a); err != nil {
			return 0, err
		}
		if err := bumpInnerSubtreeSize(a, -1); err != nil {
			return 0, err
		}
		return a.Ref(), nil
	}

	merged := false
	if childSz < t.bpnodeSize/2 && childIdx+1 < innerChildCount(a) {
		siblingRef, err := a.GetAsRef(slotFirstChild + childIdx + 1)
		if err != nil {
			return 0, err
		}
		siblingSz, err := subtreeSizeAt(t.alloc, t.schema, siblingRef)
		if err != nil {
			return 0, err
		}
		if childSz+siblingSz < t.bpnodeSize*3/4 {
			mergedRef, err := mergeClusterChildren(t.alloc, t.schema, newChildRef, siblingRef)
			if err != nil {
				return 0, err
			}
			newChildRef = mergedRef
			if err := a.SetAsRef(slotFirstChild+childIdx, newChildRef); err != nil {
				return 0, err
			}
			if err := a.Erase(slotFirstChild + childIdx + 1); err != nil {
				return 0, err
			}
			merged = true
		}
	}
	if !merged {
		if err := a.SetAsRef(slotFirstChild+childIdx, newChildRef); err != nil {
			return 0, err
		}
	}
	if err := rebuildBoundaries(t.alloc, t.schema, a); err != nil {
		return 0, err
	}
	if err := bumpInnerSubtreeSize(a, -1); err != nil {
		return 0, err
	}
	return a.Ref(), nil
}

// locateLeaf descends to the leaf that would hold key, returning its
// ref and the row index within it. ErrInvalidKey if key is absent.
func (t *ClusterTree) locateLeaf(ref storeref.Ref, key ObjKey) (storeref.Ref, int, error) {
	a, err := array.InitFromRef(t.alloc, ref)
	if err != nil {
		return 0, 0, err
	}
	if !a.IsInnerBPNode() {
		cl, err := InitFromRef(t.alloc, t.schema, ref)
		if err != nil {
			return 0, 0, err
		}
		idx, found, err := cl.Find(key)
		if err != nil {
			return 0, 0, err
		}
		if !found {
			return 0, 0, dberr.ErrInvalidKey
		}
		return ref, idx, nil
	}
	childIdx, err := locateChild(t.alloc, a, key)
	if err != nil {
		return 0, 0, err
	}
	childRef, err := a.GetAsRef(slotFirstChild + childIdx)
	if err != nil {
		return 0, 0, err
	}
	return t.locateLeaf(childRef, key)
}

// GetValue reads column colIdx of the row stored at key.
func (t *ClusterTree) GetValue(key ObjKey, colIdx int) (Value, error) {
	leafRef, idx, err := t.locateLeaf(t.rootRef, key)
	if err != nil {
		return Value{}, err
	}
	cl, err := InitFromRef(t.alloc, t.schema, leafRef)
	if err != nil {
		return Value{}, err
	}
	return cl.GetValue(idx, colIdx)
}

// SetValue writes column colIdx of the row stored at key.
func (t *ClusterTree) SetValue(key ObjKey, colIdx int, v Value) error {
	leafRef, idx, err := t.locateLeaf(t.rootRef, key)
	if err != nil {
		return err
	}
	cl, err := InitFromRef(t.alloc, t.schema, leafRef)
	if err != nil {
		return err
	}
	return cl.SetValue(idx, colIdx, v)
}

// GetNdx returns the dense position of key across the whole tree, in
// key order (the count of rows that sort before it).
func (t *ClusterTree) GetNdx(key ObjKey) (int, error) {
	idx, found, err := t.findNdx(t.rootRef, key, 0)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, dberr.ErrInvalidKey
	}
	return idx, nil
}

func (t *ClusterTree) findNdx(ref storeref.Ref, key ObjKey, base int) (int, bool, error) {
	a, err := array.InitFromRef(t.alloc, ref)
	if err != nil {
		return 0, false, err
	}
	if !a.IsInnerBPNode() {
		cl, err := InitFromRef(t.alloc, t.schema, ref)
		if err != nil {
			return 0, false, err
		}
		idx, found, err := cl.Find(key)
		if err != nil {
			return 0, false, err
		}
		return base + idx, found, nil
	}
	childIdx, err := locateChild(t.alloc, a, key)
	if err != nil {
		return 0, false, err
	}
	for i := 0; i < childIdx; i++ {
		r, err := a.GetAsRef(slotFirstChild + i)
		if err != nil {
			return 0, false, err
		}
		sz, err := subtreeSizeAt(t.alloc, t.schema, r)
		if err != nil {
			return 0, false, err
		}
		base += sz
	}
	childRef, err := a.GetAsRef(slotFirstChild + childIdx)
	if err != nil {
		return 0, false, err
	}
	return t.findNdx(childRef, key, base)
}

// ForEachRow visits every row in key order, stopping early if fn
// returns false (§4 supplemented feature, grounded on bplustree.hpp's
// TraverseFunc).
func (t *ClusterTree) ForEachRow(fn func(key ObjKey, leaf *Cluster, idx int) bool) error {
	_, err := t.traverse(t.rootRef, fn)
	return err
}

func (t *ClusterTree) traverse(ref storeref.Ref, fn func(ObjKey, *Cluster, int) bool) (bool, error) {
	a, err := array.InitFromRef(t.alloc, ref)
	if err != nil {
		return false, err
	}
	if !a.IsInnerBPNode() {
		cl, err := InitFromRef(t.alloc, t.schema, ref)
		if err != nil {
			return false, err
		}
		for i := 0; i < cl.Size(); i++ {
			k, err := cl.KeyAt(i)
			if err != nil {
				return false, err
			}
			if !fn(k, cl, i) {
				return false, nil
			}
		}
		return true, nil
	}
	n := innerChildCount(a)
	for i := 0; i < n; i++ {
		childRef, err := a.GetAsRef(slotFirstChild + i)
		if err != nil {
			return false, err
		}
		cont, err := t.traverse(childRef, fn)
		if err != nil {
			return false, err
		}
		if !cont {
			return false, nil
		}
	}
	return true, nil
}
