// Package bptree implements component C of the storage core: a generic
// B+tree keyed by dense integer index [0, size). Leaves hold a
// type-specialized payload via a Codec; inner nodes are plain
// has_refs arrays whose slot layout is fixed:
//
//	slot 0          optional offset-array ref (null => compact form)
//	slot 1          compact: tagged elems_per_child; general: tagged 0
//	slot 2..n+1     child refs
//	slot n+2 (last) tagged subtree size
//
// In compact form, offset(i) = i * elems_per_child and every child
// except possibly the last holds exactly elems_per_child elements; a
// split that lands anywhere but the tail forces general form, where
// slot 0 points at an ArrayUnsigned of per-child cumulative offsets.
package bptree

import (
	"fmt"

	"github.com/cuemby/warren/internal/array"
	"github.com/cuemby/warren/internal/dberr"
	"github.com/cuemby/warren/internal/storeref"
)

// DefaultBPNodeSize is the production fanout/leaf-capacity constant.
// Tests exercise split/merge boundaries explicitly with a smaller value
// passed to New/InitFromRef.
const DefaultBPNodeSize = 256

// Npos is returned by FindFirst when no element matches.
const Npos = -1

// Codec converts between a tree's logical payload type and the int64
// representation packed into a leaf Array.
type Codec[T any] interface {
	Encode(T) int64
	Decode(int64) T
}

// Int64Codec is the identity codec for trees over plain int64 values.
type Int64Codec struct{}

func (Int64Codec) Encode(v int64) int64 { return v }
func (Int64Codec) Decode(v int64) int64 { return v }

// BPlusTree is a generic B+tree over dense indices, parameterized over
// its leaf payload type T via Codec.
type BPlusTree[T any] struct {
	alloc      storeref.Allocator
	codec      Codec[T]
	bpnodeSize int
	root       *array.Array
}

// New creates an empty tree rooted at a single empty leaf.
func New[T any](alloc storeref.Allocator, codec Codec[T], bpnodeSize int) (*BPlusTree[T], error) {
	if bpnodeSize <= 0 {
		bpnodeSize = DefaultBPNodeSize
	}
	root, err := array.Create(alloc, false, false, false, false, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("bptree: new: %w", err)
	}
	return &BPlusTree[T]{alloc: alloc, codec: codec, bpnodeSize: bpnodeSize, root: root}, nil
}

// InitFromRef attaches a tree accessor to an existing root ref.
func InitFromRef[T any](alloc storeref.Allocator, codec Codec[T], bpnodeSize int, ref storeref.Ref) (*BPlusTree[T], error) {
	if bpnodeSize <= 0 {
		bpnodeSize = DefaultBPNodeSize
	}
	root, err := array.InitFromRef(alloc, ref)
	if err != nil {
		return nil, fmt.Errorf("bptree: init_from_ref: %w", err)
	}
	return &BPlusTree[T]{alloc: alloc, codec: codec, bpnodeSize: bpnodeSize, root: root}, nil
}

// RootRef returns the tree's current root ref, for a parent structure
// (Group, Cluster column list) to persist.
func (t *BPlusTree[T]) RootRef() storeref.Ref { return t.root.Ref() }

// Size returns the total element count.
func (t *BPlusTree[T]) Size() int {
	if t.root.IsInnerBPNode() {
		return innerSubtreeSize(t.root)
	}
	return t.root.Size()
}

// Get reads the element at absolute position pos.
func (t *BPlusTree[T]) Get(pos int) (T, error) {
	var zero T
	if pos < 0 || pos >= t.Size() {
		return zero, fmt.Errorf("bptree: get(%d): %w", pos, dberr.ErrOutOfBounds)
	}
	encoded, err := t.accessAt(t.root.Ref(), pos)
	if err != nil {
		return zero, err
	}
	return t.codec.Decode(encoded), nil
}

func (t *BPlusTree[T]) accessAt(ref storeref.Ref, pos int) (int64, error) {
	a, err := array.InitFromRef(t.alloc, ref)
	if err != nil {
		return 0, err
	}
	if !a.IsInnerBPNode() {
		return a.Get(pos)
	}
	childIdx, localPos, err := locateChild(t.alloc, a, pos)
	if err != nil {
		return 0, err
	}
	childRef, err := a.GetAsRef(2 + childIdx)
	if err != nil {
		return 0, err
	}
	return t.accessAt(childRef, localPos)
}

// FindFirst linearly scans the tree in index order and returns the
// index of the first element equal to v, or Npos.
func (t *BPlusTree[T]) FindFirst(v T) int {
	target := t.codec.Encode(v)
	found := Npos
	_ = t.ForEachLeaf(func(values []T, offset int) bool {
		for i, lv := range values {
			if t.codec.Encode(lv) == target {
				found = offset + i
				return false
			}
		}
		return true
	})
	return found
}

// ForEachLeaf is the TraverseFunc cursor: it visits every leaf in
// index order, passing the leaf's decoded values and the absolute
// offset of its first element. Returning false from fn stops the walk.
func (t *BPlusTree[T]) ForEachLeaf(fn func(values []T, offset int) bool) error {
	_, err := t.traverse(t.root.Ref(), 0, fn)
	return err
}

func (t *BPlusTree[T]) traverse(ref storeref.Ref, offset int, fn func([]T, int) bool) (bool, error) {
	a, err := array.InitFromRef(t.alloc, ref)
	if err != nil {
		return false, err
	}
	if !a.IsInnerBPNode() {
		values := make([]T, a.Size())
		for i := 0; i < a.Size(); i++ {
			raw, err := a.Get(i)
			if err != nil {
				return false, err
			}
			values[i] = t.codec.Decode(raw)
		}
		return fn(values, offset), nil
	}
	n := innerChildCount(a)
	childOffset := offset
	for i := 0; i < n; i++ {
		childRef, err := a.GetAsRef(2 + i)
		if err != nil {
			return false, err
		}
		cont, err := t.traverse(childRef, childOffset, fn)
		if err != nil {
			return false, err
		}
		if !cont {
			return false, nil
		}
		sz, err := subtreeSizeOf(t.alloc, childRef)
		if err != nil {
			return false, err
		}
		childOffset += sz
	}
	return true, nil
}

// Insert places v at absolute position pos, growing the tree by one
// element. If the root itself splits, a new inner root of depth+1
// replaces it (§4.3).
func (t *BPlusTree[T]) Insert(pos int, v T) error {
	size := t.Size()
	if pos < 0 || pos > size {
		return fmt.Errorf("bptree: insert(%d): %w", pos, dberr.ErrOutOfBounds)
	}
	encoded := t.codec.Encode(v)
	newRootRef, sibRef, err := t.insertInto(t.root.Ref(), pos, encoded)
	if err != nil {
		return err
	}

	if !sibRef.IsNull() {
		leftSize, err := subtreeSizeOf(t.alloc, newRootRef)
		if err != nil {
			return err
		}
		var newRoot *array.Array
		if leftSize == 0 {
			newRoot, err = newInnerGeneral(t.alloc, []storeref.Ref{newRootRef, sibRef}, size+1)
		} else {
			newRoot, err = newInnerCompact(t.alloc, leftSize, []storeref.Ref{newRootRef, sibRef}, size+1)
		}
		if err != nil {
			return err
		}
		t.root = newRoot
		return nil
	}

	root, err := array.InitFromRef(t.alloc, newRootRef)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// insertInto recurses to the leaf owning pos, invokes the leaf-level
// split logic, and propagates any new sibling back up, splitting inner
// nodes that overflow past bpnodeSize children.
func (t *BPlusTree[T]) insertInto(ref storeref.Ref, pos int, encoded int64) (storeref.Ref, storeref.Ref, error) {
	a, err := array.InitFromRef(t.alloc, ref)
	if err != nil {
		return 0, 0, err
	}

	if !a.IsInnerBPNode() {
		sibRef, err := leafInsertSplit(a, pos, encoded, t.bpnodeSize)
		if err != nil {
			return 0, 0, err
		}
		return a.Ref(), sibRef, nil
	}

	childIdx, localPos, err := locateChild(t.alloc, a, pos)
	if err != nil {
		return 0, 0, err
	}
	childSlot := 2 + childIdx
	childRef, err := a.GetAsRef(childSlot)
	if err != nil {
		return 0, 0, err
	}

	newChildRef, childSibRef, err := t.insertInto(childRef, localPos, encoded)
	if err != nil {
		return 0, 0, err
	}

	if err := a.CopyOnWrite(); err != nil {
		return 0, 0, err
	}
	if newChildRef != childRef {
		if err := a.SetAsRef(childSlot, newChildRef); err != nil {
			return 0, 0, err
		}
	}

	if childSibRef.IsNull() {
		if !innerIsCompact(a) {
			if err := rebuildOffsets(t.alloc, a); err != nil {
				return 0, 0, err
			}
		} else if childIdx != innerChildCount(a)-1 {
			if err := ensureGeneral(t.alloc, a); err != nil {
				return 0, 0, err
			}
		}
		if err := bumpSubtreeSize(a, 1); err != nil {
			return 0, 0, err
		}
		return a.Ref(), storeref.NullRef, nil
	}

	wasCompact := innerIsCompact(a)
	lastIdxBefore := innerChildCount(a) - 1
	epcBefore := 0
	if wasCompact {
		epcBefore = innerElemsPerChild(a)
	}
	if err := a.Insert(childSlot+1, int64(childSibRef)); err != nil {
		return 0, 0, err
	}

	if wasCompact {
		leftSize, err := subtreeSizeOf(t.alloc, newChildRef)
		if err != nil {
			return 0, 0, err
		}
		if childIdx != lastIdxBefore || leftSize != epcBefore {
			if err := ensureGeneral(t.alloc, a); err != nil {
				return 0, 0, err
			}
		}
	} else {
		if err := rebuildOffsets(t.alloc, a); err != nil {
			return 0, 0, err
		}
	}

	if err := bumpSubtreeSize(a, 1); err != nil {
		return 0, 0, err
	}

	if innerChildCount(a) > t.bpnodeSize {
		leftRef, rightRef, err := splitInnerNode(t.alloc, a)
		if err != nil {
			return 0, 0, err
		}
		return leftRef, rightRef, nil
	}
	return a.Ref(), storeref.NullRef, nil
}

// Erase removes the element at absolute position pos, collapsing the
// root if it degenerates to a single child (§4.3).
func (t *BPlusTree[T]) Erase(pos int) error {
	size := t.Size()
	if pos < 0 || pos >= size {
		return fmt.Errorf("bptree: erase(%d): %w", pos, dberr.ErrOutOfBounds)
	}
	newRootRef, err := t.eraseFrom(t.root.Ref(), pos)
	if err != nil {
		return err
	}

	root, err := array.InitFromRef(t.alloc, newRootRef)
	if err != nil {
		return err
	}
	for root.IsInnerBPNode() && innerChildCount(root) == 1 {
		childRef, err := root.GetAsRef(2)
		if err != nil {
			return err
		}
		root.Destroy()
		root, err = array.InitFromRef(t.alloc, childRef)
		if err != nil {
			return err
		}
	}
	t.root = root
	return nil
}

func (t *BPlusTree[T]) eraseFrom(ref storeref.Ref, pos int) (storeref.Ref, error) {
	a, err := array.InitFromRef(t.alloc, ref)
	if err != nil {
		return 0, err
	}

	if !a.IsInnerBPNode() {
		if err := a.Erase(pos); err != nil {
			return 0, err
		}
		return a.Ref(), nil
	}

	childIdx, localPos, err := locateChild(t.alloc, a, pos)
	if err != nil {
		return 0, err
	}
	childSlot := 2 + childIdx
	childRef, err := a.GetAsRef(childSlot)
	if err != nil {
		return 0, err
	}

	newChildRef, err := t.eraseFrom(childRef, localPos)
	if err != nil {
		return 0, err
	}

	sz, err := subtreeSizeOf(t.alloc, newChildRef)
	if err != nil {
		return 0, err
	}
	childEmpty := sz == 0

	if err := a.CopyOnWrite(); err != nil {
		return 0, err
	}

	if childEmpty {
		if child, err2 := array.InitFromRef(t.alloc, newChildRef); err2 == nil {
			child.Destroy()
		}
		if err := a.Erase(childSlot); err != nil {
			return 0, err
		}
	} else if newChildRef != childRef {
		if err := a.SetAsRef(childSlot, newChildRef); err != nil {
			return 0, err
		}
	}
	if !innerIsCompact(a) {
		if err := rebuildOffsets(t.alloc, a); err != nil {
			return 0, err
		}
	} else if !childEmpty && childIdx != innerChildCount(a)-1 {
		if err := ensureGeneral(t.alloc, a); err != nil {
			return 0, err
		}
	}

	if err := bumpSubtreeSize(a, -1); err != nil {
		return 0, err
	}
	return a.Ref(), nil
}

// --- inner-node layout helpers (free functions: no T dependency) ---

func innerChildCount(a *array.Array) int { return a.Size() - 3 }

func innerIsCompact(a *array.Array) bool {
	r, _ := a.GetAsRef(0)
	return r.IsNull()
}

func innerElemsPerChild(a *array.Array) int {
	v, _ := a.Get(1)
	return int(storeref.Ref(uint64(v)).UntagInt())
}

func innerSubtreeSize(a *array.Array) int {
	v, _ := a.Get(a.Size() - 1)
	return int(storeref.Ref(uint64(v)).UntagInt())
}

func bumpSubtreeSize(a *array.Array, delta int) error {
	cur := innerSubtreeSize(a)
	return a.Set(a.Size()-1, int64(storeref.TagInt(int64(cur+delta))))
}

func subtreeSizeOf(alloc storeref.Allocator, ref storeref.Ref) (int, error) {
	a, err := array.InitFromRef(alloc, ref)
	if err != nil {
		return 0, err
	}
	if a.IsInnerBPNode() {
		return innerSubtreeSize(a), nil
	}
	return a.Size(), nil
}

func locateChild(alloc storeref.Allocator, a *array.Array, pos int) (childIdx, localPos int, err error) {
	n := innerChildCount(a)
	if innerIsCompact(a) {
		epc := innerElemsPerChild(a)
		childIdx = pos / epc
		if childIdx >= n {
			childIdx = n - 1
		}
		localPos = pos - childIdx*epc
		return childIdx, localPos, nil
	}
	offRef, err := a.GetAsRef(0)
	if err != nil {
		return 0, 0, err
	}
	offArr, err := array.InitUnsignedFromRef(alloc, offRef)
	if err != nil {
		return 0, 0, err
	}
	lo, hi := 0, n-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		v, err := offArr.Get(mid)
		if err != nil {
			return 0, 0, err
		}
		if int(v) <= pos {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	v, err := offArr.Get(lo)
	if err != nil {
		return 0, 0, err
	}
	return lo, pos - int(v), nil
}

func rebuildOffsets(alloc storeref.Allocator, a *array.Array) error {
	n := innerChildCount(a)
	sizes := make([]int, n)
	total := 0
	for i := 0; i < n; i++ {
		ref, err := a.GetAsRef(2 + i)
		if err != nil {
			return err
		}
		sz, err := subtreeSizeOf(alloc, ref)
		if err != nil {
			return err
		}
		sizes[i] = total
		total += sz
	}
	off, err := array.CreateUnsigned(alloc, n)
	if err != nil {
		return err
	}
	for i, s := range sizes {
		if err := off.Set(i, int64(s)); err != nil {
			return err
		}
	}
	if oldRef, err := a.GetAsRef(0); err == nil && !oldRef.IsNull() {
		if old, err2 := array.InitFromRef(alloc, oldRef); err2 == nil {
			old.Destroy()
		}
	}
	return a.SetAsRef(0, off.Ref())
}

func ensureGeneral(alloc storeref.Allocator, a *array.Array) error {
	if err := a.Set(1, int64(storeref.TagInt(0))); err != nil {
		return err
	}
	return rebuildOffsets(alloc, a)
}

func newInnerCompact(alloc storeref.Allocator, elemsPerChild int, children []storeref.Ref, subtreeSize int) (*array.Array, error) {
	n := len(children)
	a, err := array.Create(alloc, true, true, false, false, 0, n+3)
	if err != nil {
		return nil, err
	}
	if err := a.SetAsRef(0, storeref.NullRef); err != nil {
		return nil, err
	}
	if err := a.Set(1, int64(storeref.TagInt(int64(elemsPerChild)))); err != nil {
		return nil, err
	}
	for i, c := range children {
		if err := a.SetAsRef(2+i, c); err != nil {
			return nil, err
		}
	}
	if err := a.Set(n+2, int64(storeref.TagInt(int64(subtreeSize)))); err != nil {
		return nil, err
	}
	return a, nil
}

func newInnerGeneral(alloc storeref.Allocator, children []storeref.Ref, subtreeSize int) (*array.Array, error) {
	a, err := newInnerCompact(alloc, 0, children, subtreeSize)
	if err != nil {
		return nil, err
	}
	if err := ensureGeneral(alloc, a); err != nil {
		return nil, err
	}
	return a, nil
}

// splitInnerNode splits an overfull inner node in half by child count,
// building two brand new general-form inner nodes and destroying the
// original. Returns (leftRef, rightRef).
func splitInnerNode(alloc storeref.Allocator, a *array.Array) (storeref.Ref, storeref.Ref, error) {
	n := innerChildCount(a)
	mid := n / 2
	leftChildren := make([]storeref.Ref, mid)
	rightChildren := make([]storeref.Ref, n-mid)
	for i := 0; i < mid; i++ {
		r, err := a.GetAsRef(2 + i)
		if err != nil {
			return 0, 0, err
		}
		leftChildren[i] = r
	}
	for i := mid; i < n; i++ {
		r, err := a.GetAsRef(2 + i)
		if err != nil {
			return 0, 0, err
		}
		rightChildren[i-mid] = r
	}
	leftTotal, err := sumSizes(alloc, leftChildren)
	if err != nil {
		return 0, 0, err
	}
	rightTotal, err := sumSizes(alloc, rightChildren)
	if err != nil {
		return 0, 0, err
	}

	left, err := newInnerGeneral(alloc, leftChildren, leftTotal)
	if err != nil {
		return 0, 0, err
	}
	right, err := newInnerGeneral(alloc, rightChildren, rightTotal)
	if err != nil {
		return 0, 0, err
	}

	if oldOff, err := a.GetAsRef(0); err == nil && !oldOff.IsNull() {
		if old, err2 := array.InitFromRef(alloc, oldOff); err2 == nil {
			old.Destroy()
		}
	}
	a.Destroy()
	return left.Ref(), right.Ref(), nil
}

func sumSizes(alloc storeref.Allocator, refs []storeref.Ref) (int, error) {
	total := 0
	for _, r := range refs {
		sz, err := subtreeSizeOf(alloc, r)
		if err != nil {
			return 0, err
		}
		total += sz
	}
	return total, nil
}

// leafInsertSplit inserts encoded at pos in the leaf array a. If a is
// already at bpnodeSize capacity, it splits instead: elements from pos
// onward move to a new sibling leaf, which receives encoded first
// (§4.4's splitting policy, applied identically at the generic level).
func leafInsertSplit(a *array.Array, pos int, encoded int64, bpnodeSize int) (storeref.Ref, error) {
	if a.Size() < bpnodeSize {
		return storeref.NullRef, a.Insert(pos, encoded)
	}
	tailLen := a.Size() - pos
	tail := make([]int64, tailLen)
	for i := 0; i < tailLen; i++ {
		v, err := a.Get(pos + i)
		if err != nil {
			return 0, err
		}
		tail[i] = v
	}
	if err := a.Truncate(pos); err != nil {
		return 0, err
	}
	sib, err := array.Create(a.Allocator(), false, false, false, false, 0, 0)
	if err != nil {
		return 0, err
	}
	if err := sib.Add(encoded); err != nil {
		return 0, err
	}
	for _, v := range tail {
		if err := sib.Add(v); err != nil {
			return 0, err
		}
	}
	return sib.Ref(), nil
}
