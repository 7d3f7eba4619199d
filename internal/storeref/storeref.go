// Package storeref defines the ref/pointer vocabulary shared by every
// layer of the storage core: the 64-bit file offset ("ref"), the
// MemRef translation result, and the Allocator interface that SlabAlloc
// (component A) implements and Array/BPlusTree/Cluster (components
// B–D) consume.
package storeref

// Ref is an opaque 64-bit file offset. The low bit, when the containing
// array has_refs, distinguishes a tagged inline integer (value<<1 | 1)
// from a genuine child ref (value with low bit 0). A ref of 0 means
// "absent" (§6).
type Ref uint64

// NullRef is the "absent" ref.
const NullRef Ref = 0

// IsNull reports whether r is the absent ref.
func (r Ref) IsNull() bool { return r == NullRef }

// TagInt packs a signed integer into a tagged inline ref slot.
func TagInt(v int64) Ref {
	return Ref(uint64(v)<<1 | 1)
}

// IsTagged reports whether r carries an inline tagged integer rather
// than a child ref.
func (r Ref) IsTagged() bool { return r&1 == 1 }

// UntagInt extracts the integer packed by TagInt. Calling this on an
// untagged ref is a programmer error.
func (r Ref) UntagInt() int64 {
	return int64(r >> 1)
}

// MemRef is the translation of a Ref into an addressable byte slice
// inside either the mapped file region or a writable slab.
type MemRef struct {
	Data []byte
	Ref  Ref
}

// Allocator translates refs to byte slices and hands out fresh refs for
// writable allocations (component A's public contract, §4.1).
type Allocator interface {
	// Alloc returns a fresh writable region of at least size bytes.
	Alloc(size int) (MemRef, error)
	// ReAlloc grows or relocates the allocation at ref/ptr to newSize.
	ReAlloc(ref Ref, ptr []byte, newSize int) (MemRef, error)
	// Free releases ref/ptr. A no-op for file-backed refs.
	Free(ref Ref, ptr []byte)
	// Translate resolves ref to an addressable byte slice.
	Translate(ref Ref) ([]byte, error)
	// IsReadOnly reports whether ref lies below the allocator's
	// baseline (i.e. inside the read-only mapped file region).
	IsReadOnly(ref Ref) bool
}
