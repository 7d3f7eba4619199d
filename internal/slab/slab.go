// Package slab implements component A of the storage core: a
// translator from 64-bit file refs to addressable byte slices, backed
// by either a read-only mmap window over the database file or a list
// of heap-allocated, growable slabs for writable allocations.
package slab

import (
	"fmt"
	"os"
	"sort"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"

	"github.com/cuemby/warren/internal/dberr"
	"github.com/cuemby/warren/internal/dblog"
	"github.com/cuemby/warren/internal/storeref"
)

// minChunk is the smallest size a freshly allocated slab may have
// (§4.1: "geometric growth, 1 MiB minimum chunk").
const minChunk = 1 << 20

// headerReserve is the byte size of the file header (§6: an 8-byte
// top-ref plus a 16-byte signature). It is also used as the starting
// baseline for a brand new, fileless allocator, so that ref 0 stays
// reserved for storeref.NullRef instead of being handed out as a real
// array's ref.
const headerReserve = 24

// slabRegion is one heap-allocated writable region. Its refs occupy
// [start, end); slab refs begin exactly at baseline and grow upward
// (§4.1).
type slabRegion struct {
	start storeref.Ref
	end   storeref.Ref
	data  []byte
	used  int // bytes bump-allocated so far
}

// SlabAlloc implements storeref.Allocator. It holds at most one mmap
// window over the backing file plus an ordered list of slabs.
type SlabAlloc struct {
	mu sync.Mutex

	file     *os.File
	flock    *flock.Flock
	readOnly bool

	mm       mmap.MMap // non-nil only when backed by a real file mapping
	roData   []byte    // read-only baseline view: a.mm, or a caller buffer
	baseline storeref.Ref // file size when the mmap window was created

	slabs      []*slabRegion
	freeByRef  map[storeref.Ref]int // ref -> size, for exact-fit reuse
	nextSlabSz int
}

// New creates a SlabAlloc with no backing file (an in-memory buffer
// mode): every allocation lands in a slab and Commit is never reachable
// through it (§6 "in-memory buffer interface").
func New() *SlabAlloc {
	return &SlabAlloc{
		baseline:   headerReserve,
		freeByRef:  make(map[storeref.Ref]int),
		nextSlabSz: minChunk,
	}
}

// OpenBuffer attaches the allocator to a caller-supplied in-memory
// buffer instead of a file (§6 "in-memory buffer interface"). The
// buffer's bytes become the read-only baseline region; Commit is never
// permitted against an allocator opened this way.
func OpenBuffer(buf []byte, readOnly bool) *SlabAlloc {
	a := &SlabAlloc{
		readOnly:   readOnly,
		freeByRef:  make(map[storeref.Ref]int),
		nextSlabSz: minChunk,
	}
	if len(buf) > 0 {
		a.roData = buf
		a.baseline = storeref.Ref(len(buf))
	} else {
		a.baseline = headerReserve
	}
	return a
}

// Open attaches the allocator to a database file. When readOnly is
// false an advisory flock is taken to serialize against other writer
// processes (§5: single cooperative writer, enforced externally).
func Open(path string, readOnly bool) (*SlabAlloc, error) {
	log := dblog.WithComponent("slab")

	flags := os.O_RDONLY
	if !readOnly {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("slab: open %s: %w", path, err)
	}

	var fl *flock.Flock
	if !readOnly {
		fl = flock.New(path + ".lock")
		locked, err := fl.TryLock()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("slab: acquire writer lock: %w", err)
		}
		if !locked {
			f.Close()
			return nil, fmt.Errorf("slab: writer lock held by another process")
		}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("slab: stat %s: %w", path, err)
	}

	a := &SlabAlloc{
		file:       f,
		flock:      fl,
		readOnly:   readOnly,
		freeByRef:  make(map[storeref.Ref]int),
		nextSlabSz: minChunk,
	}

	if info.Size() == 0 {
		// Brand new file: reserve the header region in ref-space up
		// front so position 0 is never handed out as a real array's
		// ref, matching a caller-buffer New()/OpenBuffer() allocator.
		a.baseline = headerReserve
	}

	if info.Size() > 0 {
		mapFlag := mmap.RDONLY
		if !readOnly {
			mapFlag = mmap.RDWR
		}
		mm, err := mmap.Map(f, mapFlag, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("slab: mmap %s: %w", path, err)
		}
		a.mm = mm
		a.roData = []byte(mm)
		a.baseline = storeref.Ref(info.Size())
	}

	log.Debug().Str("path", path).Bool("read_only", readOnly).Int64("baseline", int64(a.baseline)).Msg("opened database file")
	return a, nil
}

// Close unmaps the file and releases the writer lock, if held.
func (a *SlabAlloc) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	if a.mm != nil {
		if err := a.mm.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.mm = nil
		a.roData = nil
	}
	if a.flock != nil {
		if err := a.flock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.file != nil {
		if err := a.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// File returns the underlying *os.File, or nil for an in-memory buffer.
// GroupWriter uses this for the low-level lseek+write+fsync sequence.
func (a *SlabAlloc) File() *os.File { return a.file }

// Baseline returns the file size at the time the current mmap window
// was created; refs below this value are read-only.
func (a *SlabAlloc) Baseline() storeref.Ref { return a.baseline }

// IsReadOnly reports whether ref falls inside the mapped, read-only
// file region.
func (a *SlabAlloc) IsReadOnly(ref storeref.Ref) bool {
	return ref < a.baseline
}

// Translate resolves ref to an addressable byte slice: an index into
// the mapped file if ref < baseline, else a binary search over the
// slab list. O(log slabs).
func (a *SlabAlloc) Translate(ref storeref.Ref) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.translateLocked(ref)
}

func (a *SlabAlloc) translateLocked(ref storeref.Ref) ([]byte, error) {
	if ref < a.baseline {
		if a.roData == nil || int(ref) > len(a.roData) {
			return nil, fmt.Errorf("slab: ref %d out of mapped range", ref)
		}
		return a.roData[ref:], nil
	}
	idx := sort.Search(len(a.slabs), func(i int) bool { return a.slabs[i].end > ref })
	if idx == len(a.slabs) || ref < a.slabs[idx].start {
		return nil, fmt.Errorf("slab: ref %d not in any slab", ref)
	}
	s := a.slabs[idx]
	off := int(ref - s.start)
	return s.data[off:], nil
}

// Alloc returns a fresh writable region of at least size bytes,
// reusing an exact-fit freed span first, then bump-allocating from the
// current tail slab, growing the slab list geometrically when needed.
func (a *SlabAlloc) Alloc(size int) (storeref.MemRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size <= 0 {
		return storeref.MemRef{}, fmt.Errorf("slab: alloc size must be positive")
	}

	for ref, sz := range a.freeByRef {
		if sz == size {
			delete(a.freeByRef, ref)
			data, err := a.translateLocked(ref)
			if err != nil {
				return storeref.MemRef{}, err
			}
			return storeref.MemRef{Data: data[:size], Ref: ref}, nil
		}
	}

	if len(a.slabs) == 0 || a.slabs[len(a.slabs)-1].used+size > len(a.slabs[len(a.slabs)-1].data) {
		if err := a.growSlab(size); err != nil {
			return storeref.MemRef{}, err
		}
	}
	tail := a.slabs[len(a.slabs)-1]
	ref := tail.start + storeref.Ref(tail.used)
	data := tail.data[tail.used : tail.used+size]
	tail.used += size
	return storeref.MemRef{Data: data, Ref: ref}, nil
}

func (a *SlabAlloc) growSlab(minSize int) error {
	start := a.baseline
	if n := len(a.slabs); n > 0 {
		start = a.slabs[n-1].end
	}
	chunk := a.nextSlabSz
	if chunk < minSize {
		chunk = minSize
	}
	a.nextSlabSz *= 2
	s := &slabRegion{
		start: start,
		end:   start + storeref.Ref(chunk),
		data:  make([]byte, chunk),
	}
	a.slabs = append(a.slabs, s)
	return nil
}

// ReAlloc grows or relocates the allocation at ref/ptr. If ref lies in
// the tail slab and is its most recent allocation, it is grown in
// place; otherwise a new allocation is made, ptr's bytes are copied,
// and the old region is freed.
func (a *SlabAlloc) ReAlloc(ref storeref.Ref, ptr []byte, newSize int) (storeref.MemRef, error) {
	a.mu.Lock()
	if len(a.slabs) > 0 {
		tail := a.slabs[len(a.slabs)-1]
		if ref >= tail.start && ref < tail.end {
			off := int(ref - tail.start)
			if off+len(ptr) == tail.used && off+newSize <= len(tail.data) {
				tail.used = off + newSize
				data := tail.data[off : off+newSize]
				a.mu.Unlock()
				return storeref.MemRef{Data: data, Ref: ref}, nil
			}
		}
	}
	a.mu.Unlock()

	mr, err := a.Alloc(newSize)
	if err != nil {
		return storeref.MemRef{}, err
	}
	copy(mr.Data, ptr)
	a.Free(ref, ptr)
	return mr, nil
}

// Free releases a writable allocation back to the freelist. A no-op
// for file-backed (read-only) refs: those are reclaimed only by the
// commit's free-list mechanism (§4.1).
func (a *SlabAlloc) Free(ref storeref.Ref, ptr []byte) {
	if a.IsReadOnly(ref) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeByRef[ref] = len(ptr)
}

// FreeAll marks the entire slab region as free and resets the baseline
// to filesize: called by dbgroup.Group after a successful commit (§4.5
// step 8), since every slab-backed array has just been copied into the
// file and the mmap will be re-established at the new size.
func (a *SlabAlloc) FreeAll(filesize storeref.Ref) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mm != nil {
		if err := a.mm.Unmap(); err != nil {
			return fmt.Errorf("slab: unmap: %w", err)
		}
		a.mm = nil
		a.roData = nil
	}
	if a.file != nil {
		mapFlag := mmap.RDONLY
		if !a.readOnly {
			mapFlag = mmap.RDWR
		}
		if filesize > 0 {
			mm, err := mmap.Map(a.file, mapFlag, 0)
			if err != nil {
				return fmt.Errorf("slab: remap: %w", err)
			}
			a.mm = mm
			a.roData = []byte(mm)
		}
	} else if len(a.slabs) > 0 {
		// No backing file (in-memory mode): the just-written slab
		// bytes become the new read-only baseline view directly, with
		// no real mmap involved. Each slab's bytes land at their own
		// ref offsets, after the previous read-only bytes.
		merged := make([]byte, int(a.slabs[0].start))
		copy(merged, a.roData)
		for _, s := range a.slabs {
			if gap := int(s.start) - len(merged); gap > 0 {
				merged = append(merged, make([]byte, gap)...)
			}
			merged = append(merged, s.data[:s.used]...)
		}
		a.roData = merged
	}
	a.baseline = filesize
	a.slabs = nil
	a.freeByRef = make(map[storeref.Ref]int)
	a.nextSlabSz = minChunk
	return nil
}

// GetTopRef reads the 8-byte top-ref field at file offset 0. A file
// with no bytes yet is a freshly created database and reads as the
// null top ref; a nonzero but truncated file is corrupt.
func (a *SlabAlloc) GetTopRef() (storeref.Ref, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roData == nil {
		return storeref.NullRef, nil
	}
	if len(a.roData) < 8 {
		return storeref.NullRef, fmt.Errorf("slab: file header truncated: %w", dberr.ErrInvalidDatabase)
	}
	return storeref.Ref(leUint64(a.roData[0:8])), nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

var _ storeref.Allocator = (*SlabAlloc)(nil)
