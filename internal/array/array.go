// Package array implements component B of the storage core: a
// fixed-header, variable-width packed integer/ref vector, and the
// copy-on-write machinery every higher layer (BPlusTree, Cluster,
// ClusterTree) builds on.
//
// Layout: an 8-byte header followed by packed little-endian elements.
// Byte 0 carries three flag bits (has_refs, is_inner_bptree_node,
// context) and a 3-bit width code; bytes 1-3 hold the element count;
// bytes 4-7 hold the byte capacity. Elements are never interpreted
// across this header.
package array

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/warren/internal/dberr"
	"github.com/cuemby/warren/internal/storeref"
)

const headerSize = 8

// widths are the only element bit-widths a Node ever uses: 0 means
// "every element is the same fixed value and need not be stored"
// (used here only for the empty/all-zero case), and the rest are the
// usual power-of-two packed widths.
var widths = [8]int{0, 1, 2, 4, 8, 16, 32, 64}

func widthCode(bits int) int {
	for i, w := range widths {
		if w == bits {
			return i
		}
	}
	panic(fmt.Sprintf("array: invalid width %d", bits))
}

const (
	flagHasRefs = 1 << 0
	flagInner   = 1 << 1
	flagContext = 1 << 2
)

// Array is a single packed Node plus the allocator and parent-linkage
// state needed to copy-on-write it. Per the redesign note in spec §9,
// parent linkage is expressed as a callback closure rather than a raw
// parent pointer: the closure captures whatever arena-indexed accessor
// owns the slot this array currently occupies.
type Array struct {
	alloc storeref.Allocator
	ref   storeref.Ref
	data  []byte // header + packed body, as currently translated

	width    int // bits
	size     int // element count
	capBytes int
	hasRefs  bool
	isInner  bool
	context  bool
	unsigned bool // true for ArrayUnsigned instances (§3)

	updateParent func(newRef storeref.Ref) error
}

// SetParentUpdater installs the callback invoked when this array's ref
// changes due to copy-on-write. Passing nil detaches the array (it is
// being used as a free-standing root, e.g. a cluster column accessed
// directly by the caller).
func (a *Array) SetParentUpdater(fn func(newRef storeref.Ref) error) {
	a.updateParent = fn
}

// Create allocates a brand new array with the given element width and
// initial element count (all elements zero).
func Create(alloc storeref.Allocator, hasRefs, isInner, context, unsigned bool, width, size int) (*Array, error) {
	capBytes := align8(headerSize + bytesForElements(width, size))
	mr, err := alloc.Alloc(capBytes)
	if err != nil {
		return nil, fmt.Errorf("array: create: %w", err)
	}
	a := &Array{
		alloc: alloc, ref: mr.Ref, data: mr.Data,
		width: width, size: size, capBytes: capBytes,
		hasRefs: hasRefs, isInner: isInner, context: context, unsigned: unsigned,
	}
	a.writeHeader()
	return a, nil
}

func bytesForElements(width, n int) int {
	if width == 0 {
		return 0
	}
	bits := width * n
	return (bits + 7) / 8
}

// align8 rounds n up to the next multiple of 8: every array ref stays
// 8-byte aligned so the has_refs low-bit tagging convention (§3) never
// collides with a genuine child ref.
func align8(n int) int {
	return (n + 7) &^ 7
}

// InitFromRef attaches an Array accessor to an existing ref, reading
// its header.
func InitFromRef(alloc storeref.Allocator, ref storeref.Ref) (*Array, error) {
	data, err := alloc.Translate(ref)
	if err != nil {
		return nil, fmt.Errorf("array: translate %d: %w", ref, err)
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("array: truncated header at ref %d: %w", ref, dberr.ErrInvalidDatabase)
	}
	a := &Array{alloc: alloc, ref: ref, data: data}
	a.readHeader()
	return a, nil
}

func (a *Array) readHeader() {
	h0 := a.data[0]
	a.hasRefs = h0&flagHasRefs != 0
	a.isInner = h0&flagInner != 0
	a.context = h0&flagContext != 0
	a.width = widths[(h0>>3)&0x7]
	a.size = int(a.data[1]) | int(a.data[2])<<8 | int(a.data[3])<<16
	a.capBytes = int(binary.LittleEndian.Uint32(a.data[4:8]))
}

func (a *Array) writeHeader() {
	var h0 byte
	if a.hasRefs {
		h0 |= flagHasRefs
	}
	if a.isInner {
		h0 |= flagInner
	}
	if a.context {
		h0 |= flagContext
	}
	h0 |= byte(widthCode(a.width)) << 3
	a.data[0] = h0
	a.data[1] = byte(a.size)
	a.data[2] = byte(a.size >> 8)
	a.data[3] = byte(a.size >> 16)
	binary.LittleEndian.PutUint32(a.data[4:8], uint32(a.capBytes))
}

// Ref returns the array's current ref.
func (a *Array) Ref() storeref.Ref { return a.ref }

// Allocator returns the allocator backing this array, so a caller
// building a sibling or replacement node can share it.
func (a *Array) Allocator() storeref.Allocator { return a.alloc }

// Destroy releases this array's own storage. Called on a node that has
// just been superseded (split, merged away, or replaced by a deeper
// copy-on-write) and will never be reached through any live ref again.
func (a *Array) Destroy() {
	a.alloc.Free(a.ref, a.data[:a.capBytes])
}

// Size returns the element count.
func (a *Array) Size() int { return a.size }

// HasRefs reports whether elements are child refs (vs. plain integers).
func (a *Array) HasRefs() bool { return a.hasRefs }

// IsInnerBPNode reports the is_inner_bptree_node header flag.
func (a *Array) IsInnerBPNode() bool { return a.isInner }

// Context reports the context header flag.
func (a *Array) Context() bool { return a.context }

// Width returns the current element bit width.
func (a *Array) Width() int { return a.width }

func (a *Array) body() []byte { return a.data[headerSize:] }

// Get reads element i at the declared width, sign-extending unless the
// array is an ArrayUnsigned instance.
func (a *Array) Get(i int) (int64, error) {
	if i < 0 || i >= a.size {
		return 0, fmt.Errorf("array: get(%d): %w", i, dberr.ErrOutOfBounds)
	}
	return a.getRaw(i), nil
}

func (a *Array) getRaw(i int) int64 {
	if a.width == 0 {
		return 0
	}
	raw := getBits(a.body(), i, a.width)
	if a.unsigned || a.width == 64 {
		return int64(raw)
	}
	// sign-extend
	signBit := uint64(1) << (a.width - 1)
	if raw&signBit != 0 {
		raw |= ^uint64(0) << a.width
	}
	return int64(raw)
}

// GetAsRef reads element i as a child ref. Requires HasRefs.
func (a *Array) GetAsRef(i int) (storeref.Ref, error) {
	if !a.hasRefs {
		return 0, fmt.Errorf("array: get_as_ref on array without refs: %w", dberr.ErrLogicError)
	}
	v, err := a.Get(i)
	if err != nil {
		return 0, err
	}
	return storeref.Ref(uint64(v)), nil
}

func requiredWidth(v int64, unsigned bool) int {
	if v == 0 {
		return 0
	}
	if unsigned {
		u := uint64(v)
		for _, w := range widths[1:] {
			if w == 64 {
				return 64
			}
			if u <= (uint64(1)<<w)-1 {
				return w
			}
		}
		return 64
	}
	for _, w := range widths[1:] {
		if w == 64 {
			return 64
		}
		lo := -(int64(1) << (w - 1))
		hi := (int64(1) << (w - 1)) - 1
		if v >= lo && v <= hi {
			return w
		}
	}
	return 64
}

// Set writes v at position i, widening the whole array first if v
// does not fit the current width, and copying-on-write if the array is
// currently read-only.
func (a *Array) Set(i int, v int64) error {
	if i < 0 || i >= a.size {
		return fmt.Errorf("array: set(%d): %w", i, dberr.ErrOutOfBounds)
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}
	need := requiredWidth(v, a.unsigned)
	if need > a.width {
		if err := a.widenTo(need); err != nil {
			return err
		}
	}
	if a.width > 0 {
		setBits(a.body(), i, a.width, uint64(v))
	}
	return nil
}

// SetAsRef writes a child ref at position i. Requires HasRefs.
func (a *Array) SetAsRef(i int, ref storeref.Ref) error {
	if !a.hasRefs {
		return fmt.Errorf("array: set_as_ref on array without refs: %w", dberr.ErrLogicError)
	}
	return a.Set(i, int64(ref))
}

func (a *Array) widenTo(newWidth int) error {
	newBytes := align8(headerSize + bytesForElements(newWidth, a.size))
	mr, err := a.alloc.ReAlloc(a.ref, a.data[:a.capBytes], newBytes)
	if err != nil {
		return fmt.Errorf("array: widen: %w", err)
	}
	old := a.data
	oldWidth := a.width
	n := a.size
	a.ref = mr.Ref
	a.data = mr.Data
	a.capBytes = newBytes
	a.width = newWidth
	a.writeHeader()
	// decode old values with old width/signedness, re-encode at new
	// width, back to front: ReAlloc may grow in place, so old and new
	// can share bytes and a wider element must not overwrite unread ones.
	for idx := n - 1; idx >= 0; idx-- {
		var v int64
		if oldWidth == 0 {
			v = 0
		} else {
			raw := getBits(old[headerSize:], idx, oldWidth)
			if !a.unsigned && oldWidth != 64 {
				signBit := uint64(1) << (oldWidth - 1)
				if raw&signBit != 0 {
					raw |= ^uint64(0) << oldWidth
				}
			}
			v = int64(raw)
		}
		if newWidth > 0 {
			setBits(a.body(), idx, newWidth, uint64(v))
		}
	}
	if err := a.notifyParent(); err != nil {
		return err
	}
	return nil
}

// CopyOnWrite is the core primitive: if the array's current ref is
// read-only (inside the mapped file), allocate a new slab-backed copy,
// update the parent's slot to point at the copy (which may itself
// recurse into CopyOnWrite), and continue all subsequent operations
// against the copy.
func (a *Array) CopyOnWrite() error {
	if !a.alloc.IsReadOnly(a.ref) {
		return nil
	}
	mr, err := a.alloc.Alloc(a.capBytes)
	if err != nil {
		return fmt.Errorf("array: copy_on_write: %w", err)
	}
	copy(mr.Data, a.data[:a.capBytes])
	a.ref = mr.Ref
	a.data = mr.Data
	return a.notifyParent()
}

func (a *Array) notifyParent() error {
	if a.updateParent == nil {
		return nil
	}
	return a.updateParent(a.ref)
}

// Insert inserts v at position i, growing the element count by one.
func (a *Array) Insert(i int, v int64) error {
	if i < 0 || i > a.size {
		return fmt.Errorf("array: insert(%d): %w", i, dberr.ErrOutOfBounds)
	}
	if err := a.growBy(1); err != nil {
		return err
	}
	for j := a.size - 1; j > i; j-- {
		raw := a.getRaw(j - 1)
		setBits(a.body(), j, a.width, uint64(raw)&widthMask(a.width))
	}
	need := requiredWidth(v, a.unsigned)
	if need > a.width {
		if err := a.widenTo(need); err != nil {
			return err
		}
	}
	if a.width > 0 {
		setBits(a.body(), i, a.width, uint64(v))
	}
	return nil
}

// Add appends v to the end of the array.
func (a *Array) Add(v int64) error {
	return a.Insert(a.size, v)
}

// Erase removes the element at position i, shrinking the element
// count by one.
func (a *Array) Erase(i int) error {
	if i < 0 || i >= a.size {
		return fmt.Errorf("array: erase(%d): %w", i, dberr.ErrOutOfBounds)
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}
	for j := i; j < a.size-1; j++ {
		raw := a.getRaw(j + 1)
		if a.width > 0 {
			setBits(a.body(), j, a.width, uint64(raw)&widthMask(a.width))
		}
	}
	a.size--
	a.writeHeader()
	return nil
}

// Truncate drops every element beyond n, resetting the width to 0 when
// n is 0.
func (a *Array) Truncate(n int) error {
	if n < 0 || n > a.size {
		return fmt.Errorf("array: truncate(%d): %w", n, dberr.ErrOutOfBounds)
	}
	if err := a.CopyOnWrite(); err != nil {
		return err
	}
	a.size = n
	if n == 0 {
		a.width = 0
	}
	a.writeHeader()
	return nil
}

// growBy grows the element count by delta, reallocating if the backing
// capacity can't hold the new size at the current width.
func (a *Array) growBy(delta int) error {
	if err := a.CopyOnWrite(); err != nil {
		return err
	}
	newSize := a.size + delta
	needBytes := align8(headerSize + bytesForElements(a.width, newSize))
	if needBytes > a.capBytes {
		mr, err := a.alloc.ReAlloc(a.ref, a.data[:a.capBytes], needBytes)
		if err != nil {
			return fmt.Errorf("array: grow: %w", err)
		}
		a.ref = mr.Ref
		a.data = mr.Data
		a.capBytes = needBytes
		if err := a.notifyParent(); err != nil {
			return err
		}
	}
	a.size = newSize
	a.writeHeader()
	return nil
}

// UpdateFromParent re-syncs this accessor after the parent's slot may
// have changed. If newRef is below oldBaseline we know it has not been
// rewritten since our last sync, so no update is needed (§4.2).
func (a *Array) UpdateFromParent(newRef storeref.Ref, oldBaseline storeref.Ref) (bool, error) {
	if newRef == a.ref {
		return false, nil
	}
	if newRef < oldBaseline {
		return false, nil
	}
	data, err := a.alloc.Translate(newRef)
	if err != nil {
		return false, err
	}
	a.ref = newRef
	a.data = data
	a.readHeader()
	return true, nil
}

// ByteSize returns the total encoded size of the array (header plus
// packed body), the value the group writer needs to reserve free
// space for it.
func (a *Array) ByteSize() int {
	return headerSize + bytesForElements(a.width, a.size)
}

// Bytes returns the array's current header-plus-body encoding, exactly
// ByteSize() long. The group writer copies this slice verbatim to the
// file position it reserves for the array (§4.5).
func (a *Array) Bytes() []byte {
	return a.data[:a.ByteSize()]
}

func widthMask(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}
