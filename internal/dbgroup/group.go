// Package dbgroup implements component F: the top-level Group that
// owns a database's table catalog and drives commits through the
// group writer (§3 "Group", §4.5 step 8).
package dbgroup

import (
	"fmt"
	"sort"

	"github.com/cuemby/warren/internal/array"
	"github.com/cuemby/warren/internal/cluster"
	"github.com/cuemby/warren/internal/dbconfig"
	"github.com/cuemby/warren/internal/dberr"
	"github.com/cuemby/warren/internal/dblog"
	"github.com/cuemby/warren/internal/groupwriter"
	"github.com/cuemby/warren/internal/slab"
	"github.com/cuemby/warren/internal/storeref"
)

// headerReserve mirrors slab.headerReserve: a brand new database's
// free space begins past the 24-byte top-ref-plus-signature header
// (§6), so the first row ever allocated is never handed out at ref 0.
const headerReserve = 24

// Per-table catalog record slots: [0] schema descriptor ref, [1]
// tagged bpnode_size, [2] the table's ClusterTree root ref.
const (
	tblSchemaSlot = 0
	tblBPNodeSlot = 1
	tblRootSlot   = 2
)

// Group is the top-level container: a table-names array, a tables
// array of per-table catalog records, and the free-position/
// free-length lists, all reached from one 4-slot top array (§3).
type Group struct {
	alloc    *slab.SlabAlloc
	readOnly bool

	initialFileSize int64
	alignPageSize   bool

	top        *array.Array
	tableNames *array.Array
	tables     *array.Array

	trees       map[string]*cluster.ClusterTree
	schemas     map[string]*cluster.Schema
	bpnodeSizes map[string]int
}

// Open attaches a Group to path, creating a new database if it does
// not exist yet.
func Open(path string, opts dbconfig.Options) (*Group, error) {
	readOnly := opts.Mode == dbconfig.ReadOnly
	alloc, err := slab.Open(path, readOnly)
	if err != nil {
		return nil, fmt.Errorf("dbgroup: open %s: %w", path, err)
	}
	g, err := attach(alloc, readOnly)
	if err != nil {
		alloc.Close()
		return nil, err
	}
	g.initialFileSize = opts.InitialFileSize
	g.alignPageSize = opts.EnsureFileSizeIsMultipleOfPageSize
	return g, nil
}

// OpenBuffer attaches a Group to an in-memory buffer instead of a
// file (§6 "in-memory buffer interface"). Commit is refused in this
// mode.
func OpenBuffer(buf []byte, readOnly bool) (*Group, error) {
	alloc := slab.OpenBuffer(buf, readOnly)
	return attach(alloc, readOnly)
}

func attach(alloc *slab.SlabAlloc, readOnly bool) (*Group, error) {
	g := &Group{
		alloc:       alloc,
		readOnly:    readOnly,
		trees:       map[string]*cluster.ClusterTree{},
		schemas:     map[string]*cluster.Schema{},
		bpnodeSizes: map[string]int{},
	}

	topRef, err := alloc.GetTopRef()
	if err != nil {
		return nil, fmt.Errorf("dbgroup: read top ref: %w", err)
	}

	if topRef.IsNull() {
		if readOnly {
			return nil, fmt.Errorf("dbgroup: open empty database read-only: %w", dberr.ErrInvalidDatabase)
		}
		if err := g.bootstrap(); err != nil {
			return nil, err
		}
		return g, nil
	}

	if err := g.reloadFrom(topRef); err != nil {
		return nil, err
	}
	return g, nil
}

// bootstrap sets up an empty table-names/tables/top triple for a
// brand new database. No free-list entries are seeded: the first
// Commit's GetFreeSpace calls discover there is nothing free yet and
// extend the file organically, which keeps this path simple and
// avoids reasoning about the file's physical length before any bytes
// have actually been written (documented simplification vs.
// original_source/group.cpp, which pre-seeds one free entry covering
// the whole file at construction time).
func (g *Group) bootstrap() error {
	tableNames, err := array.Create(g.alloc, true, false, false, false, 0, 0)
	if err != nil {
		return err
	}
	tables, err := array.Create(g.alloc, true, false, false, false, 0, 0)
	if err != nil {
		return err
	}
	top, err := array.Create(g.alloc, true, false, false, false, 0, 4)
	if err != nil {
		return err
	}
	if err := top.SetAsRef(0, tableNames.Ref()); err != nil {
		return err
	}
	if err := top.SetAsRef(1, tables.Ref()); err != nil {
		return err
	}

	g.tableNames = tableNames
	g.tables = tables
	g.top = top
	return nil
}

// reloadFrom attaches the group to an existing top array and rebuilds
// every cached table accessor from it. A tree object already handed
// out for a table that still exists is refreshed in place, so a
// caller's handle stays valid across commits.
func (g *Group) reloadFrom(topRef storeref.Ref) error {
	top, err := array.InitFromRef(g.alloc, topRef)
	if err != nil {
		return fmt.Errorf("dbgroup: read top array: %w", err)
	}
	namesRef, err := top.GetAsRef(0)
	if err != nil {
		return err
	}
	tablesRef, err := top.GetAsRef(1)
	if err != nil {
		return err
	}
	tableNames, err := array.InitFromRef(g.alloc, namesRef)
	if err != nil {
		return err
	}
	tables, err := array.InitFromRef(g.alloc, tablesRef)
	if err != nil {
		return err
	}

	prev := g.trees
	g.top = top
	g.tableNames = tableNames
	g.tables = tables
	g.trees = map[string]*cluster.ClusterTree{}
	g.schemas = map[string]*cluster.Schema{}
	g.bpnodeSizes = map[string]int{}
	if err := g.loadCatalog(); err != nil {
		return err
	}
	for name, tree := range g.trees {
		if old, ok := prev[name]; ok {
			*old = *tree
			g.trees[name] = old
		}
	}
	return nil
}

func (g *Group) loadCatalog() error {
	n := g.tableNames.Size()
	for i := 0; i < n; i++ {
		name, err := g.nameAt(i)
		if err != nil {
			return err
		}

		recRef, err := g.tables.GetAsRef(i)
		if err != nil {
			return err
		}
		rec, err := array.InitFromRef(g.alloc, recRef)
		if err != nil {
			return err
		}
		schemaRef, err := rec.GetAsRef(tblSchemaSlot)
		if err != nil {
			return err
		}
		schema, err := readSchema(g.alloc, schemaRef)
		if err != nil {
			return err
		}
		bpRaw, err := rec.Get(tblBPNodeSlot)
		if err != nil {
			return err
		}
		bpnodeSize := int(storeref.Ref(uint64(bpRaw)).UntagInt())
		rootRef, err := rec.GetAsRef(tblRootSlot)
		if err != nil {
			return err
		}

		g.schemas[name] = schema
		g.bpnodeSizes[name] = bpnodeSize
		g.trees[name] = cluster.InitTreeFromRef(g.alloc, schema, bpnodeSize, rootRef)
	}
	return nil
}

func (g *Group) nameAt(i int) (string, error) {
	ref, err := g.tableNames.GetAsRef(i)
	if err != nil {
		return "", err
	}
	b, err := cluster.ReadBlob(g.alloc, ref)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (g *Group) indexOf(name string) (int, bool) {
	n := g.tableNames.Size()
	for i := 0; i < n; i++ {
		got, err := g.nameAt(i)
		if err == nil && got == name {
			return i, true
		}
	}
	return -1, false
}

// TableNames returns every table name in the catalog, sorted for a
// stable iteration order.
func (g *Group) TableNames() []string {
	names := make([]string, 0, len(g.trees))
	for name := range g.trees {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the tree and schema for an existing table.
func (g *Group) Table(name string) (*cluster.ClusterTree, *cluster.Schema, bool) {
	tree, ok := g.trees[name]
	if !ok {
		return nil, nil, false
	}
	return tree, g.schemas[name], true
}

// CreateTable adds a new, empty table to the catalog. bpnodeSize <= 0
// uses cluster.DefaultBPNodeSize.
func (g *Group) CreateTable(name string, schema *cluster.Schema, bpnodeSize int) (*cluster.ClusterTree, error) {
	if g.readOnly {
		return nil, fmt.Errorf("dbgroup: create table %q: %w", name, dberr.ErrReadOnly)
	}
	if _, exists := g.trees[name]; exists {
		return nil, fmt.Errorf("dbgroup: table %q already exists: %w", name, dberr.ErrIllegalCombination)
	}
	if bpnodeSize <= 0 {
		bpnodeSize = cluster.DefaultBPNodeSize
	}

	tree, err := cluster.NewTree(g.alloc, schema, bpnodeSize)
	if err != nil {
		return nil, err
	}
	schemaRef, err := writeSchema(g.alloc, schema)
	if err != nil {
		return nil, err
	}
	rec, err := array.Create(g.alloc, true, false, false, false, 0, 3)
	if err != nil {
		return nil, err
	}
	if err := rec.SetAsRef(tblSchemaSlot, schemaRef); err != nil {
		return nil, err
	}
	if err := rec.Set(tblBPNodeSlot, int64(storeref.TagInt(int64(bpnodeSize)))); err != nil {
		return nil, err
	}
	if err := rec.SetAsRef(tblRootSlot, tree.RootRef()); err != nil {
		return nil, err
	}
	nameRef, err := cluster.WriteBlob(g.alloc, []byte(name))
	if err != nil {
		return nil, err
	}

	if err := g.tableNames.Add(int64(nameRef)); err != nil {
		return nil, err
	}
	if err := g.tables.Add(int64(rec.Ref())); err != nil {
		return nil, err
	}
	if err := g.syncTop(); err != nil {
		return nil, err
	}

	g.trees[name] = tree
	g.schemas[name] = schema
	g.bpnodeSizes[name] = bpnodeSize
	return tree, nil
}

// DropTable removes a table from the catalog. The dropped table's
// cluster storage is left unreferenced rather than walked and freed:
// without a mark-sweep pass over the whole file, there is no cheap way
// to tell whether a leaf array is still reachable from another table's
// backlink column, so this repo leaves that reclamation to a future
// compaction pass rather than risk freeing live storage.
func (g *Group) DropTable(name string) error {
	if g.readOnly {
		return fmt.Errorf("dbgroup: drop table %q: %w", name, dberr.ErrReadOnly)
	}
	idx, ok := g.indexOf(name)
	if !ok {
		return fmt.Errorf("dbgroup: table %q not found: %w", name, dberr.ErrKeyNotFound)
	}
	if err := g.tableNames.Erase(idx); err != nil {
		return err
	}
	if err := g.tables.Erase(idx); err != nil {
		return err
	}
	if err := g.syncTop(); err != nil {
		return err
	}

	delete(g.trees, name)
	delete(g.schemas, name)
	delete(g.bpnodeSizes, name)
	return nil
}

// syncTop re-points top[0]/top[1] at tableNames/tables' current refs,
// in case Add/Erase copy-on-wrote either array to a new location. This
// follows cluster.Cluster.syncColumnRef's established pattern rather
// than wiring Array.SetParentUpdater, for consistency with the rest of
// the tree.
func (g *Group) syncTop() error {
	if err := g.top.CopyOnWrite(); err != nil {
		return err
	}
	if err := g.top.SetAsRef(0, g.tableNames.Ref()); err != nil {
		return err
	}
	return g.top.SetAsRef(1, g.tables.Ref())
}

// Commit runs the two-phase group writer and republishes every cached
// table accessor against the new top ref (§4.5 step 8).
func (g *Group) Commit() error {
	if g.readOnly {
		return fmt.Errorf("dbgroup: commit: %w", dberr.ErrReadOnly)
	}
	if g.alloc.File() == nil {
		return fmt.Errorf("dbgroup: commit: %w", dberr.ErrCommitNotPermitted)
	}

	log := dblog.WithComponent("dbgroup")

	if err := g.syncRoots(); err != nil {
		return fmt.Errorf("dbgroup: sync table roots: %w", err)
	}
	if err := g.syncTop(); err != nil {
		return fmt.Errorf("dbgroup: sync top: %w", err)
	}

	freePosRef, freeLenRef := storeref.NullRef, storeref.NullRef
	if ref, err := g.top.GetAsRef(2); err == nil {
		freePosRef = ref
	}
	if ref, err := g.top.GetAsRef(3); err == nil {
		freeLenRef = ref
	}

	gw, err := groupwriter.New(g.alloc, freePosRef, freeLenRef, int64(g.alloc.Baseline()), g.initialFileSize, g.alignPageSize)
	if err != nil {
		return err
	}

	newTopRef, newFileLen, err := gw.Commit(g.top, g.tableNames.Ref(), g.tables.Ref())
	if err != nil {
		return fmt.Errorf("dbgroup: commit: %w", err)
	}

	if err := g.alloc.FreeAll(storeref.Ref(newFileLen)); err != nil {
		return fmt.Errorf("dbgroup: reset allocator after commit: %w", err)
	}

	if err := g.reloadFrom(newTopRef); err != nil {
		return fmt.Errorf("dbgroup: reattach after commit: %w", err)
	}

	log.Info().Int("table_count", len(g.trees)).Msg("group commit complete")
	return nil
}

// syncRoots writes each live tree's current root ref back into its
// catalog record before a commit persists the tables array.
func (g *Group) syncRoots() error {
	n := g.tableNames.Size()
	for i := 0; i < n; i++ {
		name, err := g.nameAt(i)
		if err != nil {
			return err
		}
		tree, ok := g.trees[name]
		if !ok {
			continue
		}
		recRef, err := g.tables.GetAsRef(i)
		if err != nil {
			return err
		}
		rec, err := array.InitFromRef(g.alloc, recRef)
		if err != nil {
			return err
		}
		if err := rec.SetAsRef(tblRootSlot, tree.RootRef()); err != nil {
			return err
		}
		if rec.Ref() != recRef {
			if err := g.tables.SetAsRef(i, rec.Ref()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases the backing allocator (file handle, flock, mmap).
func (g *Group) Close() error {
	return g.alloc.Close()
}
