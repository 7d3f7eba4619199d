package dbgroup

import (
	"github.com/cuemby/warren/internal/array"
	"github.com/cuemby/warren/internal/cluster"
	"github.com/cuemby/warren/internal/storeref"
)

// writeSchema persists a table's column list as a small two-ref
// record: [0] one packed (source_table<<8 | column_type) int per
// column, [1] one name-blob ref per column. This is the table
// catalog's own schema descriptor, distinct from (and much simpler
// than) the query language's full type system, which is out of scope
// (§1 "public object/column accessors").
func writeSchema(alloc storeref.Allocator, schema *cluster.Schema) (storeref.Ref, error) {
	n := len(schema.Columns)
	types, err := array.Create(alloc, false, false, false, false, 0, n)
	if err != nil {
		return 0, err
	}
	names, err := array.Create(alloc, true, false, false, false, 0, n)
	if err != nil {
		return 0, err
	}
	for i, col := range schema.Columns {
		packed := int64(col.SourceTable)<<8 | int64(col.Type)
		if err := types.Set(i, packed); err != nil {
			return 0, err
		}
		nameRef, err := cluster.WriteBlob(alloc, []byte(col.Name))
		if err != nil {
			return 0, err
		}
		if err := names.SetAsRef(i, nameRef); err != nil {
			return 0, err
		}
	}

	rec, err := array.Create(alloc, true, false, false, false, 0, 2)
	if err != nil {
		return 0, err
	}
	if err := rec.SetAsRef(0, types.Ref()); err != nil {
		return 0, err
	}
	if err := rec.SetAsRef(1, names.Ref()); err != nil {
		return 0, err
	}
	return rec.Ref(), nil
}

func readSchema(alloc storeref.Allocator, ref storeref.Ref) (*cluster.Schema, error) {
	rec, err := array.InitFromRef(alloc, ref)
	if err != nil {
		return nil, err
	}
	typesRef, err := rec.GetAsRef(0)
	if err != nil {
		return nil, err
	}
	namesRef, err := rec.GetAsRef(1)
	if err != nil {
		return nil, err
	}
	types, err := array.InitFromRef(alloc, typesRef)
	if err != nil {
		return nil, err
	}
	names, err := array.InitFromRef(alloc, namesRef)
	if err != nil {
		return nil, err
	}

	n := types.Size()
	cols := make([]cluster.ColumnDef, n)
	for i := 0; i < n; i++ {
		packed, err := types.Get(i)
		if err != nil {
			return nil, err
		}
		cols[i].Type = cluster.ColumnType(packed & 0xFF)
		cols[i].SourceTable = cluster.TableKey(packed >> 8)

		nameRef, err := names.GetAsRef(i)
		if err != nil {
			return nil, err
		}
		nameBytes, err := cluster.ReadBlob(alloc, nameRef)
		if err != nil {
			return nil, err
		}
		cols[i].Name = string(nameBytes)
	}
	return &cluster.Schema{Columns: cols}, nil
}
