package cluster

// ColumnType enumerates the typed column kinds a Cluster row may hold
// (§4.4). Indexing, encryption and the query language's own type
// coercions are out of scope (§1); this is the storage-level type tag
// only.
type ColumnType int

const (
	ColInt ColumnType = iota
	ColIntNull
	ColBool
	ColBoolNull
	ColFloat
	ColDouble
	ColString
	ColBinary
	ColTimestamp
	ColKey
	ColBacklink
)

// refBacked reports whether a column of this type is stored as a
// has_refs array (one ref per row, pointing at a blob or a backlink
// list) rather than a plain packed-integer array.
func refBacked(t ColumnType) bool {
	switch t {
	case ColString, ColBinary, ColBacklink:
		return true
	default:
		return false
	}
}

// ColumnDef names one column and its type within a table's Schema.
type ColumnDef struct {
	Name string
	Type ColumnType
	// SourceTable names the table whose rows hold the forward link
	// this backlink column tracks. Meaningful only when Type is
	// ColBacklink; Cluster.Erase uses it to attribute cascade entries.
	SourceTable TableKey
}

// Schema is the ordered list of typed columns a table's Cluster leaves
// hold one array per. Column order is the schema's definition order and
// determines cluster slot indices (slot 1+i for column i).
type Schema struct {
	Columns []ColumnDef
}

func (s *Schema) n() int { return len(s.Columns) }

// Value is a tagged union covering every ColumnType, used as the
// payload for Cluster.SetValue/GetValue.
type Value struct {
	Null bool

	Int       int64
	Bool      bool
	Float32   float32
	Float64   float64
	Str       string
	Bytes     []byte
	Nanos     int64 // ColTimestamp: nanoseconds since Unix epoch
	Key       ObjKey
	Backlinks []ObjKey // incoming links, ColBacklink only
}

// IntValue, BoolValue and the rest are small constructors for the
// common non-null cases, used throughout tests.
func IntValue(v int64) Value         { return Value{Int: v} }
func BoolValue(v bool) Value         { return Value{Bool: v} }
func FloatValue(v float32) Value     { return Value{Float32: v} }
func DoubleValue(v float64) Value    { return Value{Float64: v} }
func StringValue(v string) Value     { return Value{Str: v} }
func BinaryValue(v []byte) Value     { return Value{Bytes: v} }
func TimestampValue(ns int64) Value  { return Value{Nanos: ns} }
func KeyValue(k ObjKey) Value        { return Value{Key: k} }
func NullValue() Value               { return Value{Null: true} }
