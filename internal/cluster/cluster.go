// Package cluster implements component D of the storage core: Cluster
// (a B+tree leaf holding one row per typed column) and ClusterTree (the
// B+tree over sparse ObjKeys built from Cluster leaves and
// ClusterNodeInner inner nodes).
package cluster

import (
	"github.com/cuemby/warren/internal/array"
	"github.com/cuemby/warren/internal/dberr"
	"github.com/cuemby/warren/internal/storeref"
)

// Cluster is a leaf of the row tree: slot 0 carries the row keys
// (tagged count in compact form, or a ref to an ArrayUnsigned of keys
// in general form); slots 1..1+ncols hold one column array per schema
// column (§4.4).
type Cluster struct {
	alloc  storeref.Allocator
	schema *Schema
	arr    *array.Array
}

// CreateEmpty allocates a brand new, empty cluster in compact form.
func CreateEmpty(alloc storeref.Allocator, schema *Schema) (*Cluster, error) {
	arr, err := array.Create(alloc, true, false, false, false, 0, 1+schema.n())
	if err != nil {
		return nil, err
	}
	if err := arr.Set(0, int64(storeref.TagInt(0))); err != nil {
		return nil, err
	}
	for i, colDef := range schema.Columns {
		col, err := createColumn(alloc, colDef.Type, 0)
		if err != nil {
			return nil, err
		}
		if err := arr.SetAsRef(1+i, col.Ref()); err != nil {
			return nil, err
		}
	}
	return &Cluster{alloc: alloc, schema: schema, arr: arr}, nil
}

// InitFromRef attaches a Cluster accessor to an existing leaf ref.
func InitFromRef(alloc storeref.Allocator, schema *Schema, ref storeref.Ref) (*Cluster, error) {
	arr, err := array.InitFromRef(alloc, ref)
	if err != nil {
		return nil, err
	}
	return &Cluster{alloc: alloc, schema: schema, arr: arr}, nil
}

// Ref returns the cluster's current ref.
func (c *Cluster) Ref() storeref.Ref { return c.arr.Ref() }

func (c *Cluster) isCompact() bool {
	raw, _ := c.arr.Get(0)
	return storeref.Ref(uint64(raw)).IsTagged()
}

func (c *Cluster) compactSize() int {
	raw, _ := c.arr.Get(0)
	return int(storeref.Ref(uint64(raw)).UntagInt())
}

func (c *Cluster) setCompactSize(n int) error {
	return c.arr.Set(0, int64(storeref.TagInt(int64(n))))
}

// Size returns the row count.
func (c *Cluster) Size() int {
	if c.isCompact() {
		return c.compactSize()
	}
	ref, _ := c.arr.GetAsRef(0)
	keys, _ := array.InitUnsignedFromRef(c.alloc, ref)
	return keys.Size()
}

// KeyAt returns the ObjKey stored at row index i.
func (c *Cluster) KeyAt(i int) (ObjKey, error) {
	if c.isCompact() {
		return ObjKey(i), nil
	}
	ref, err := c.arr.GetAsRef(0)
	if err != nil {
		return 0, err
	}
	keys, err := array.InitUnsignedFromRef(c.alloc, ref)
	if err != nil {
		return 0, err
	}
	v, err := keys.Get(i)
	if err != nil {
		return 0, err
	}
	return ObjKey(v), nil
}

// lowerBound returns the smallest index whose key is >= key (compact
// form: direct index since key[i] = i; general form: binary search).
func (c *Cluster) lowerBound(key ObjKey) (int, error) {
	n := c.Size()
	if c.isCompact() {
		if int64(key) < 0 {
			return 0, nil
		}
		if int(key) >= n {
			return n, nil
		}
		return int(key), nil
	}
	ref, err := c.arr.GetAsRef(0)
	if err != nil {
		return 0, err
	}
	keys, err := array.InitUnsignedFromRef(c.alloc, ref)
	if err != nil {
		return 0, err
	}
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		v, err := keys.Get(mid)
		if err != nil {
			return 0, err
		}
		if ObjKey(v) < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Find returns the row index for key and whether it was present.
func (c *Cluster) Find(key ObjKey) (int, bool, error) {
	idx, err := c.lowerBound(key)
	if err != nil {
		return 0, false, err
	}
	if idx >= c.Size() {
		return idx, false, nil
	}
	k, err := c.KeyAt(idx)
	if err != nil {
		return 0, false, err
	}
	return idx, k == key, nil
}

func (c *Cluster) columnArray(colIdx int) (*array.Array, error) {
	ref, err := c.arr.GetAsRef(1 + colIdx)
	if err != nil {
		return nil, err
	}
	return array.InitFromRef(c.alloc, ref)
}

func (c *Cluster) syncColumnRef(colIdx int, col *array.Array, oldRef storeref.Ref) error {
	if col.Ref() == oldRef {
		return nil
	}
	if err := c.arr.CopyOnWrite(); err != nil {
		return err
	}
	return c.arr.SetAsRef(1+colIdx, col.Ref())
}

// GetValue reads row idx of column colIdx.
func (c *Cluster) GetValue(idx, colIdx int) (Value, error) {
	col, err := c.columnArray(colIdx)
	if err != nil {
		return Value{}, err
	}
	return getColumnValue(c.alloc, c.schema.Columns[colIdx].Type, col, idx)
}

// SetValue writes v into row idx of column colIdx.
func (c *Cluster) SetValue(idx, colIdx int, v Value) error {
	col, err := c.columnArray(colIdx)
	if err != nil {
		return err
	}
	oldRef := col.Ref()
	if err := setColumnValue(c.alloc, c.schema.Columns[colIdx].Type, col, idx, v); err != nil {
		return err
	}
	return c.syncColumnRef(colIdx, col, oldRef)
}

func (c *Cluster) ensureGeneral() error {
	n := c.compactSize()
	keys, err := array.CreateUnsigned(c.alloc, n)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := keys.Set(i, int64(i)); err != nil {
			return err
		}
	}
	if err := c.arr.CopyOnWrite(); err != nil {
		return err
	}
	return c.arr.SetAsRef(0, keys.Ref())
}

func insertColumnPlaceholder(t ColumnType, col *array.Array, idx int) error {
	if refBacked(t) {
		return col.Insert(idx, 0)
	}
	switch t {
	case ColIntNull, ColBoolNull:
		return col.Insert(idx, nullSentinel)
	default:
		return col.Insert(idx, 0)
	}
}

func (c *Cluster) insertAt(idx int, key ObjKey, values []Value) error {
	if c.isCompact() {
		n := c.compactSize()
		if !(idx == n && int64(key) == int64(n)) {
			if err := c.ensureGeneral(); err != nil {
				return err
			}
		}
	}
	if err := c.arr.CopyOnWrite(); err != nil {
		return err
	}
	if c.isCompact() {
		n := c.compactSize()
		if err := c.setCompactSize(n + 1); err != nil {
			return err
		}
	} else {
		ref, err := c.arr.GetAsRef(0)
		if err != nil {
			return err
		}
		keys, err := array.InitUnsignedFromRef(c.alloc, ref)
		if err != nil {
			return err
		}
		if err := keys.Insert(idx, int64(key)); err != nil {
			return err
		}
		if keys.Ref() != ref {
			if err := c.arr.SetAsRef(0, keys.Ref()); err != nil {
				return err
			}
		}
	}

	for ci, colDef := range c.schema.Columns {
		col, err := c.columnArray(ci)
		if err != nil {
			return err
		}
		oldRef := col.Ref()
		if err := insertColumnPlaceholder(colDef.Type, col, idx); err != nil {
			return err
		}
		if err := c.syncColumnRef(ci, col, oldRef); err != nil {
			return err
		}
		v := Value{Null: true}
		if ci < len(values) {
			v = values[ci]
		}
		if err := c.SetValue(idx, ci, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) appendRow(key ObjKey, values []Value) error {
	return c.insertAt(c.Size(), key, values)
}

func (c *Cluster) truncateTo(n int) error {
	if err := c.arr.CopyOnWrite(); err != nil {
		return err
	}
	if c.isCompact() {
		if err := c.setCompactSize(n); err != nil {
			return err
		}
	} else {
		ref, err := c.arr.GetAsRef(0)
		if err != nil {
			return err
		}
		keys, err := array.InitUnsignedFromRef(c.alloc, ref)
		if err != nil {
			return err
		}
		if err := keys.Truncate(n); err != nil {
			return err
		}
		if keys.Ref() != ref {
			if err := c.arr.SetAsRef(0, keys.Ref()); err != nil {
				return err
			}
		}
	}
	for ci := range c.schema.Columns {
		col, err := c.columnArray(ci)
		if err != nil {
			return err
		}
		oldRef := col.Ref()
		if err := col.Truncate(n); err != nil {
			return err
		}
		if err := c.syncColumnRef(ci, col, oldRef); err != nil {
			return err
		}
	}
	return nil
}

// Insert places a new row under key, splitting the cluster into a new
// sibling when it is already at bpnodeSize capacity (§4.4). values is
// positional against schema.Columns; a short slice leaves trailing
// columns null.
func (c *Cluster) Insert(key ObjKey, bpnodeSize int, values []Value) (storeref.Ref, error) {
	idx, err := c.lowerBound(key)
	if err != nil {
		return 0, err
	}
	if idx < c.Size() {
		existing, err := c.KeyAt(idx)
		if err != nil {
			return 0, err
		}
		if existing == key {
			return 0, dberr.ErrInvalidKey
		}
	}
	if c.Size() < bpnodeSize {
		return storeref.NullRef, c.insertAt(idx, key, values)
	}
	return c.splitAndInsert(idx, key, values)
}

type splitRow struct {
	key  ObjKey
	vals []Value
}

// splitAndInsert implements §4.4's splitting policy: the new leaf
// always receives the inserted element first, followed by whatever
// was at or after the insertion point (empty when the insert landed
// past every existing key), so its first key is always the split key.
func (c *Cluster) splitAndInsert(idx int, key ObjKey, values []Value) (storeref.Ref, error) {
	n := c.Size()
	tail := make([]splitRow, n-idx)
	for i := idx; i < n; i++ {
		k, err := c.KeyAt(i)
		if err != nil {
			return 0, err
		}
		vals := make([]Value, len(c.schema.Columns))
		for ci := range c.schema.Columns {
			v, err := c.GetValue(i, ci)
			if err != nil {
				return 0, err
			}
			vals[ci] = v
		}
		tail[i-idx] = splitRow{k, vals}
	}
	if err := c.truncateTo(idx); err != nil {
		return 0, err
	}

	sib, err := CreateEmpty(c.alloc, c.schema)
	if err != nil {
		return 0, err
	}
	if err := sib.appendRow(key, values); err != nil {
		return 0, err
	}
	for _, r := range tail {
		if err := sib.appendRow(r.key, r.vals); err != nil {
			return 0, err
		}
	}
	return sib.Ref(), nil
}

func (c *Cluster) eraseRowStorage(idx int) error {
	if err := c.arr.CopyOnWrite(); err != nil {
		return err
	}
	keepCompact := false
	if c.isCompact() {
		n := c.compactSize()
		if idx == n-1 {
			keepCompact = true
			if err := c.setCompactSize(n - 1); err != nil {
				return err
			}
		} else if err := c.ensureGeneral(); err != nil {
			return err
		}
	}
	if !keepCompact {
		ref, err := c.arr.GetAsRef(0)
		if err != nil {
			return err
		}
		keys, err := array.InitUnsignedFromRef(c.alloc, ref)
		if err != nil {
			return err
		}
		if err := keys.Erase(idx); err != nil {
			return err
		}
		if keys.Ref() != ref {
			if err := c.arr.SetAsRef(0, keys.Ref()); err != nil {
				return err
			}
		}
	}
	for ci := range c.schema.Columns {
		col, err := c.columnArray(ci)
		if err != nil {
			return err
		}
		oldRef := col.Ref()
		if err := col.Erase(idx); err != nil {
			return err
		}
		if err := c.syncColumnRef(ci, col, oldRef); err != nil {
			return err
		}
	}
	return nil
}

// Erase removes the row at key. For every backlink column it reads the
// row's incoming-link list and collects each (source table, source row)
// pair into cascade (§4.4) — it does not itself clear the corresponding
// forward ColKey value in those source rows. Doing that would mean
// reaching into another table's ClusterTree (or, for a self-referencing
// backlink, knowing which column of this same schema holds the forward
// link), neither of which a single Cluster/ClusterTree can do on its
// own; that cross-table step belongs to the object-accessor layer this
// repo does not implement (see DESIGN.md's open question on cascading
// erase). A caller that skips draining cascade and nullifying those
// forward values itself will be left with dangling ObjKeys elsewhere.
// Returns the cluster's new size.
func (c *Cluster) Erase(key ObjKey, cascade *CascadeState) (int, error) {
	idx, found, err := c.Find(key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, dberr.ErrInvalidKey
	}
	for ci, colDef := range c.schema.Columns {
		if colDef.Type != ColBacklink {
			continue
		}
		v, err := c.GetValue(idx, ci)
		if err != nil {
			return 0, err
		}
		for _, src := range v.Backlinks {
			cascade.Add(colDef.SourceTable, src)
		}
	}
	if err := c.eraseRowStorage(idx); err != nil {
		return 0, err
	}
	return c.Size(), nil
}

// Destroy releases the cluster's own storage and its column arrays.
// Backlink/string/binary blob allocations are left to the allocator's
// bulk reclamation at commit rather than walked individually here.
func (c *Cluster) Destroy() {
	if !c.isCompact() {
		if ref, err := c.arr.GetAsRef(0); err == nil && !ref.IsNull() {
			if keys, err2 := array.InitFromRef(c.alloc, ref); err2 == nil {
				keys.Destroy()
			}
		}
	}
	for ci := range c.schema.Columns {
		if col, err := c.columnArray(ci); err == nil {
			col.Destroy()
		}
	}
	c.arr.Destroy()
}
