// Package groupwriter implements component E of the storage core: the
// two-phase commit writer that turns a set of dirty, slab-backed
// arrays into a durable new version of the database file (§4.5).
package groupwriter

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cuemby/warren/internal/array"
	"github.com/cuemby/warren/internal/dblog"
	"github.com/cuemby/warren/internal/storeref"
)

// FileAllocator is the subset of storeref.Allocator a GroupWriter needs
// direct file access for. The ordinary Alloc/ReAlloc path serves
// in-process slab growth; committing instead writes specific arrays at
// specific file offsets and fsyncs around the top-ref swap, so it goes
// straight to the descriptor the way the teacher's storage layer keeps
// a raw *os.File handle alongside its higher-level bolt handle.
type FileAllocator interface {
	storeref.Allocator
	File() *os.File
}

// growthChunk is the fallback increment GetFreeSpace extends the file
// by once initialFileSize's one-time floor no longer applies.
const growthChunk = 1 << 20

// GroupWriter executes one commit. It owns the in-memory working copy
// of the file's free-position/free-length lists for the duration of
// the commit and persists them back as part of it (§4.5).
type GroupWriter struct {
	alloc   FileAllocator
	freePos *array.Array
	freeLen *array.Array
	fileLen int64

	// initialFileSize floors the *first* file extension this writer
	// performs (dbconfig.Options.InitialFileSize, rounded up to whole
	// megabytes); zero means no floor beyond growthChunk. alignPageSize
	// pads every extension up to an 8-byte boundary
	// (dbconfig.Options.EnsureFileSizeIsMultipleOfPageSize, §6 "8-byte
	// aligned").
	initialFileSize int64
	alignPageSize   bool
	grew            bool
}

// New attaches a GroupWriter to a group's free-list refs (null on a
// brand new database) and the file's current length. initialFileSize
// and alignPageSize come from the dbconfig.Options the Group was
// opened with.
func New(alloc FileAllocator, freePosRef, freeLenRef storeref.Ref, fileLen, initialFileSize int64, alignPageSize bool) (*GroupWriter, error) {
	fp, err := loadOrCreate(alloc, freePosRef)
	if err != nil {
		return nil, fmt.Errorf("groupwriter: load free-position list: %w", err)
	}
	fl, err := loadOrCreate(alloc, freeLenRef)
	if err != nil {
		return nil, fmt.Errorf("groupwriter: load free-length list: %w", err)
	}
	return &GroupWriter{
		alloc:           alloc,
		freePos:         fp,
		freeLen:         fl,
		fileLen:         fileLen,
		initialFileSize: initialFileSize,
		alignPageSize:   alignPageSize,
	}, nil
}

func roundUpToMB(n int64) int64 {
	const mb = 1 << 20
	return ((n + mb - 1) / mb) * mb
}

func alignTo8(n int64) int64 {
	return (n + 7) &^ 7
}

func loadOrCreate(alloc FileAllocator, ref storeref.Ref) (*array.Array, error) {
	if ref.IsNull() {
		return array.Create(alloc, false, false, false, false, 0, 0)
	}
	return array.InitFromRef(alloc, ref)
}

// FreePositionsRef and FreeLengthsRef return the current refs of the
// working free lists, for a caller (dbgroup.Group) that wants to
// inspect them between commits.
func (w *GroupWriter) FreePositionsRef() storeref.Ref { return w.freePos.Ref() }
func (w *GroupWriter) FreeLengthsRef() storeref.Ref   { return w.freeLen.Ref() }

// Free records length bytes at pos as reclaimed, for entries the
// caller frees outside of a normal array-level Free call (e.g.
// dropping an entire table's subtree at commit time).
func (w *GroupWriter) Free(pos, length int64) error {
	if err := w.freePos.Add(pos); err != nil {
		return err
	}
	return w.freeLen.Add(length)
}

// GetFreeSpace implements §4.5's free-space algorithm: a first-fit
// linear scan of the free-length list, shrinking or removing the
// matched entry; failing that, extending the file by whole megabytes.
// length is rounded up to a multiple of 8 so every position handed out
// stays 8-byte aligned. testOnly reports a position without consuming
// it; ensureRest requires one extra byte so a residual leftover entry
// never needs a width change later.
func (w *GroupWriter) GetFreeSpace(length int64, testOnly, ensureRest bool) (int64, error) {
	length = alignTo8(length)
	need := length
	if ensureRest {
		need++
	}

	n := w.freeLen.Size()
	for i := 0; i < n; i++ {
		freeLen, err := w.freeLen.Get(i)
		if err != nil {
			return 0, err
		}
		if need > freeLen {
			continue
		}
		pos, err := w.freePos.Get(i)
		if err != nil {
			return 0, err
		}
		if testOnly {
			return pos, nil
		}
		consumed := need
		if ensureRest {
			consumed--
		}
		rest := freeLen - consumed
		if rest == 0 {
			if err := w.freeLen.Erase(i); err != nil {
				return 0, err
			}
			if err := w.freePos.Erase(i); err != nil {
				return 0, err
			}
		} else {
			if err := w.freeLen.Set(i, rest); err != nil {
				return 0, err
			}
			if err := w.freePos.Set(i, pos+consumed); err != nil {
				return 0, err
			}
		}
		return pos, nil
	}

	oldFileLen := w.fileLen
	needed := oldFileLen + need
	newFileLen := oldFileLen
	for newFileLen < needed {
		newFileLen += growthChunk
	}
	if !w.grew && w.initialFileSize > 0 {
		if floor := roundUpToMB(w.initialFileSize); newFileLen < floor {
			newFileLen = floor
		}
	}
	if w.alignPageSize {
		newFileLen = alignTo8(newFileLen)
	}
	w.grew = true
	if err := w.extendFile(newFileLen); err != nil {
		return 0, err
	}
	w.fileLen = newFileLen

	end := oldFileLen + length
	if testOnly {
		end = oldFileLen
	}
	rest := newFileLen - end
	if err := w.freePos.Add(end); err != nil {
		return 0, err
	}
	if err := w.freeLen.Add(rest); err != nil {
		return 0, err
	}
	return oldFileLen, nil
}

func (w *GroupWriter) extendFile(newLen int64) error {
	f := w.alloc.File()
	if f == nil {
		return fmt.Errorf("groupwriter: extend file: no backing file (in-memory buffer)")
	}
	if _, err := f.WriteAt([]byte{0}, newLen-1); err != nil {
		return fmt.Errorf("groupwriter: extend file to %d: %w", newLen, err)
	}
	return nil
}

func (w *GroupWriter) writeAt(pos int64, data []byte) error {
	f := w.alloc.File()
	if f == nil {
		return fmt.Errorf("groupwriter: write: no backing file (in-memory buffer)")
	}
	if _, err := f.WriteAt(data, pos); err != nil {
		return fmt.Errorf("groupwriter: write at %d: %w", pos, err)
	}
	return nil
}

// writeTree recursively persists every dirty array reachable from ref
// and returns the ref it now lives at. A ref already inside the
// read-only mapped region is file-backed and not dirty: it is returned
// unchanged (§4.5 step 1).
func (w *GroupWriter) writeTree(ref storeref.Ref) (storeref.Ref, error) {
	if ref.IsNull() || w.alloc.IsReadOnly(ref) {
		return ref, nil
	}
	a, err := array.InitFromRef(w.alloc, ref)
	if err != nil {
		return 0, err
	}
	if a.HasRefs() {
		for i := 0; i < a.Size(); i++ {
			child, err := a.GetAsRef(i)
			if err != nil {
				return 0, err
			}
			if child.IsNull() || child.IsTagged() {
				continue
			}
			newChild, err := w.writeTree(child)
			if err != nil {
				return 0, err
			}
			if newChild != child {
				if err := a.SetAsRef(i, newChild); err != nil {
					return 0, err
				}
			}
		}
	}
	return w.persist(a)
}

func (w *GroupWriter) persist(a *array.Array) (storeref.Ref, error) {
	pos, err := w.GetFreeSpace(int64(a.ByteSize()), false, false)
	if err != nil {
		return 0, err
	}
	if err := w.writeAt(pos, a.Bytes()); err != nil {
		return 0, err
	}
	return storeref.Ref(pos), nil
}

// Commit runs the full two-phase commit algorithm of §4.5 and returns
// the new top-ref and file length. The caller (dbgroup.Group) is
// responsible for the surrounding FreeAll/update_refs bookkeeping of
// step 8, since those touch state this package does not own.
func (w *GroupWriter) Commit(top *array.Array, tableNamesRef, tablesRef storeref.Ref) (storeref.Ref, int64, error) {
	log := dblog.WithComponent("groupwriter")

	nPos, err := w.writeTree(tableNamesRef)
	if err != nil {
		return 0, 0, fmt.Errorf("groupwriter: write table names: %w", err)
	}
	tPos, err := w.writeTree(tablesRef)
	if err != nil {
		return 0, 0, fmt.Errorf("groupwriter: write tables: %w", err)
	}

	// max_block bounds how large top and the two free lists can grow:
	// 64-bit width for every existing slot, plus one extra slot each
	// free list might gain, plus headers.
	maxBlock := int64(top.Size()+w.freePos.Size()+w.freeLen.Size()+6) * 8
	if _, err := w.GetFreeSpace(maxBlock, true, false); err != nil {
		return 0, 0, fmt.Errorf("groupwriter: reserve max block: %w", err)
	}
	maxPos := w.fileLen + maxBlock

	if err := top.Set(0, int64(nPos)); err != nil {
		return 0, 0, err
	}
	if err := top.Set(1, int64(tPos)); err != nil {
		return 0, 0, err
	}
	if err := top.Set(2, maxPos); err != nil {
		return 0, 0, err
	}
	if err := top.Set(3, maxPos); err != nil {
		return 0, 0, err
	}

	topPos, err := w.GetFreeSpace(int64(top.ByteSize()), false, false)
	if err != nil {
		return 0, 0, fmt.Errorf("groupwriter: reserve top: %w", err)
	}

	// Pre-expand the position list so the reservation below can never
	// itself change its width out from under the size we measure.
	if err := w.freePos.Add(maxPos); err != nil {
		return 0, 0, err
	}
	if err := w.freePos.Erase(w.freePos.Size() - 1); err != nil {
		return 0, 0, err
	}

	fpPos, err := w.GetFreeSpace(int64(w.freePos.ByteSize()), false, true)
	if err != nil {
		return 0, 0, fmt.Errorf("groupwriter: reserve free-position list: %w", err)
	}
	flPos, err := w.GetFreeSpace(int64(w.freeLen.ByteSize()), false, true)
	if err != nil {
		return 0, 0, fmt.Errorf("groupwriter: reserve free-length list: %w", err)
	}

	if err := w.writeAt(fpPos, w.freePos.Bytes()); err != nil {
		return 0, 0, err
	}
	if err := w.writeAt(flPos, w.freeLen.Bytes()); err != nil {
		return 0, 0, err
	}

	if err := top.Set(2, fpPos); err != nil {
		return 0, 0, err
	}
	if err := top.Set(3, flPos); err != nil {
		return 0, 0, err
	}
	if err := w.writeAt(topPos, top.Bytes()); err != nil {
		return 0, 0, err
	}

	if err := w.doCommit(topPos); err != nil {
		return 0, 0, err
	}

	log.Info().Int64("top_pos", topPos).Int64("file_len", w.fileLen).Msg("commit published")
	return storeref.Ref(topPos), w.fileLen, nil
}

// doCommit is the only moment a crash can be observed mid-commit: the
// first fsync durably places every array this commit wrote, including
// the not-yet-reachable new top array; only the second fsync, after
// the 8-byte top-ref overwrite, makes the new version visible. A torn
// write of those 8 bytes yields either the old or the new ref, never a
// mix, so recovery always lands on a complete version (§4.5).
func (w *GroupWriter) doCommit(topPos int64) error {
	f := w.alloc.File()
	if f == nil {
		return fmt.Errorf("groupwriter: commit: no backing file (in-memory buffer)")
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("groupwriter: fsync before top-ref swap: %w", err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(topPos))
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("groupwriter: write top-ref: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("groupwriter: fsync after top-ref swap: %w", err)
	}
	return nil
}
