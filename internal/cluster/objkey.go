package cluster

// ObjKey is a stable, signed row identifier unrelated to a row's dense
// position in its cluster. Negative values are unresolved (tombstone)
// keys — rows that have been deleted but are still referenced by a
// not-yet-drained backlink (§3).
type ObjKey int64

// IsUnresolved reports whether k is a tombstone key.
func (k ObjKey) IsUnresolved() bool { return k < 0 }

// TableKey identifies one table within a Group. It is opaque outside
// the catalog that assigns it.
type TableKey uint32

// CascadeEntry is one (table, row) pair collected during an erase that
// cascaded through a backlink column.
type CascadeEntry struct {
	Table TableKey
	Obj   ObjKey
}

// CascadeState accumulates cascade targets across a single erase call.
// The caller drains it after the top-level erase returns, matching
// realm-core's CascadeState: this repo never raises cascades as
// exceptions, it threads them back through ordinary return values.
type CascadeState struct {
	entries []CascadeEntry
}

// Add records a cascade target.
func (s *CascadeState) Add(table TableKey, obj ObjKey) {
	s.entries = append(s.entries, CascadeEntry{Table: table, Obj: obj})
}

// DrainCascade returns every accumulated cascade entry and clears the
// state, so a caller can repeatedly call Erase while accumulating into
// one CascadeState across several rows before draining once.
func (s *CascadeState) DrainCascade() []CascadeEntry {
	out := s.entries
	s.entries = nil
	return out
}
