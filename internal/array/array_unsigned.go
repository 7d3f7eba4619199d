package array

import "github.com/cuemby/warren/internal/storeref"

// CreateUnsigned allocates an ArrayUnsigned: a packed array whose
// elements are interpreted as unsigned values rather than sign
// extended. Used for the key-offset arrays that appear in a B+tree
// inner node's general form and in a cluster's general-form key array
// (§3, §4.4), grounded on realm-core's array_unsigned.cpp.
func CreateUnsigned(alloc storeref.Allocator, size int) (*Array, error) {
	return Create(alloc, false, false, false, true, 0, size)
}

// InitUnsignedFromRef attaches an ArrayUnsigned accessor to an
// existing ref.
func InitUnsignedFromRef(alloc storeref.Allocator, ref storeref.Ref) (*Array, error) {
	a, err := InitFromRef(alloc, ref)
	if err != nil {
		return nil, err
	}
	a.unsigned = true
	return a, nil
}
