package cluster

import (
	"math"

	"github.com/cuemby/warren/internal/array"
	"github.com/cuemby/warren/internal/dberr"
	"github.com/cuemby/warren/internal/storeref"
)

// nullSentinel marks a null cell in a nullable plain-integer column
// (IntNull, BoolNull). A dedicated null bitmap would avoid reserving
// one value out of the domain, but no operation in this repo needs
// the full int64 range for a nullable column, so the sentinel keeps
// the column a single packed array instead of array-plus-bitmap.
const nullSentinel = int64(math.MinInt64)

// createColumn allocates the zero-value column array for one schema
// column, sized to hold n rows.
func createColumn(alloc storeref.Allocator, t ColumnType, n int) (*array.Array, error) {
	if refBacked(t) {
		return array.Create(alloc, true, false, false, false, 0, n)
	}
	switch t {
	case ColIntNull, ColBoolNull:
		a, err := array.Create(alloc, false, false, false, false, 0, n)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			if err := a.Set(i, nullSentinel); err != nil {
				return nil, err
			}
		}
		return a, nil
	default:
		return array.Create(alloc, false, false, false, false, 0, n)
	}
}

// getColumnValue reads row i of a column array into a typed Value.
func getColumnValue(alloc storeref.Allocator, t ColumnType, col *array.Array, i int) (Value, error) {
	if refBacked(t) {
		ref, err := col.GetAsRef(i)
		if err != nil {
			return Value{}, err
		}
		if ref.IsNull() {
			return Value{Null: true}, nil
		}
		switch t {
		case ColString:
			b, err := ReadBlob(alloc, ref)
			if err != nil {
				return Value{}, err
			}
			return Value{Str: string(b)}, nil
		case ColBinary:
			b, err := ReadBlob(alloc, ref)
			if err != nil {
				return Value{}, err
			}
			return Value{Bytes: b}, nil
		case ColBacklink:
			keys, err := readKeyList(alloc, ref)
			if err != nil {
				return Value{}, err
			}
			return Value{Backlinks: keys}, nil
		}
	}

	raw, err := col.Get(i)
	if err != nil {
		return Value{}, err
	}
	switch t {
	case ColInt:
		return Value{Int: raw}, nil
	case ColIntNull:
		if raw == nullSentinel {
			return Value{Null: true}, nil
		}
		return Value{Int: raw}, nil
	case ColBool:
		return Value{Bool: raw != 0}, nil
	case ColBoolNull:
		if raw == nullSentinel {
			return Value{Null: true}, nil
		}
		return Value{Bool: raw != 0}, nil
	case ColFloat:
		return Value{Float32: math.Float32frombits(uint32(raw))}, nil
	case ColDouble:
		return Value{Float64: math.Float64frombits(uint64(raw))}, nil
	case ColTimestamp:
		return Value{Nanos: raw}, nil
	case ColKey:
		return Value{Key: ObjKey(raw)}, nil
	default:
		return Value{}, dberr.ErrIllegalType
	}
}

// setColumnValue writes v into row i of a column array, copying on
// write as needed.
func setColumnValue(alloc storeref.Allocator, t ColumnType, col *array.Array, i int, v Value) error {
	if refBacked(t) {
		if v.Null || (t == ColBacklink && len(v.Backlinks) == 0) {
			return col.SetAsRef(i, storeref.NullRef)
		}
		switch t {
		case ColString:
			ref, err := WriteBlob(alloc, []byte(v.Str))
			if err != nil {
				return err
			}
			return col.SetAsRef(i, ref)
		case ColBinary:
			ref, err := WriteBlob(alloc, v.Bytes)
			if err != nil {
				return err
			}
			return col.SetAsRef(i, ref)
		case ColBacklink:
			ref, err := writeKeyList(alloc, v.Backlinks)
			if err != nil {
				return err
			}
			return col.SetAsRef(i, ref)
		}
	}

	if v.Null {
		return col.Set(i, nullSentinel)
	}
	switch t {
	case ColInt, ColIntNull:
		return col.Set(i, v.Int)
	case ColBool, ColBoolNull:
		if v.Bool {
			return col.Set(i, 1)
		}
		return col.Set(i, 0)
	case ColFloat:
		return col.Set(i, int64(math.Float32bits(v.Float32)))
	case ColDouble:
		return col.Set(i, int64(math.Float64bits(v.Float64)))
	case ColTimestamp:
		return col.Set(i, v.Nanos)
	case ColKey:
		return col.Set(i, int64(v.Key))
	default:
		return dberr.ErrIllegalType
	}
}

// WriteBlob copies data into a fresh ArrayUnsigned of raw bytes,
// reusing the packed-array primitives instead of a dedicated blob
// format (§4 supplemented features: one engine serves both numeric and
// byte-oriented leaves). Exported so the table catalog (dbgroup) can
// use the same encoding for table and column names.
func WriteBlob(alloc storeref.Allocator, data []byte) (storeref.Ref, error) {
	a, err := array.CreateUnsigned(alloc, len(data))
	if err != nil {
		return 0, err
	}
	for i, b := range data {
		if err := a.Set(i, int64(b)); err != nil {
			return 0, err
		}
	}
	return a.Ref(), nil
}

func ReadBlob(alloc storeref.Allocator, ref storeref.Ref) ([]byte, error) {
	a, err := array.InitUnsignedFromRef(alloc, ref)
	if err != nil {
		return nil, err
	}
	out := make([]byte, a.Size())
	for i := range out {
		v, err := a.Get(i)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// writeKeyList and readKeyList store the set of ObjKeys referencing a
// row through a backlink column, using a plain signed array since
// ObjKey may be negative (unresolved).
func writeKeyList(alloc storeref.Allocator, keys []ObjKey) (storeref.Ref, error) {
	a, err := array.Create(alloc, false, false, false, false, 0, len(keys))
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := a.Set(i, int64(k)); err != nil {
			return 0, err
		}
	}
	return a.Ref(), nil
}

func readKeyList(alloc storeref.Allocator, ref storeref.Ref) ([]ObjKey, error) {
	a, err := array.InitFromRef(alloc, ref)
	if err != nil {
		return nil, err
	}
	out := make([]ObjKey, a.Size())
	for i := range out {
		v, err := a.Get(i)
		if err != nil {
			return nil, err
		}
		out[i] = ObjKey(v)
	}
	return out, nil
}

