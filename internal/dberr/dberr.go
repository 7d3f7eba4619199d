// Package dberr defines the sentinel error kinds surfaced by the storage
// core. Every package wraps one of these with fmt.Errorf("...: %w", ...)
// at the point of failure; callers compare with errors.Is.
package dberr

import "errors"

var (
	// ErrInvalidKey is returned for an insert that targets an ObjKey
	// already present, or a get/erase that targets one that is absent.
	ErrInvalidKey = errors.New("invalid key")

	// ErrOutOfBounds is returned when an index is >= the size of an
	// indexed collection.
	ErrOutOfBounds = errors.New("index out of bounds")

	// ErrKeyNotFound is returned when a descent into an inner node
	// cannot find a subtree responsible for the given key.
	ErrKeyNotFound = errors.New("key not found in tree")

	// ErrLogicError covers schema-level misuse: null into a
	// non-nullable column, wrong column type, and similar.
	ErrLogicError = errors.New("logic error")

	// ErrIllegalType is returned when a value's type does not match
	// the column's declared type.
	ErrIllegalType = errors.New("illegal type")

	// ErrIllegalCombination is returned for operations that combine
	// incompatible schema elements (e.g. two tables with mismatched
	// link targets).
	ErrIllegalCombination = errors.New("illegal combination")

	// ErrSubscriptionFailed marks the terminal failure of a
	// subscription set; its message carries the reason string.
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrCrossTableLinkTarget is returned when a table drop is refused
	// because another table still links to it. Recoverable: the drop
	// is refused and state is unchanged.
	ErrCrossTableLinkTarget = errors.New("table is target of a cross-table link")

	// ErrInvalidDatabase is returned when the file signature does not
	// match or the top ref is out of range at open. Fatal to the open
	// attempt.
	ErrInvalidDatabase = errors.New("invalid database file")

	// ErrReadOnly is returned when a mutating operation is attempted
	// against a read-only allocator or a committed mutable cursor.
	ErrReadOnly = errors.New("database is read-only")

	// ErrCommitNotPermitted is returned by Commit when the group was
	// opened over an in-memory buffer (§6: "in this mode commit() is
	// not permitted").
	ErrCommitNotPermitted = errors.New("commit not permitted on in-memory buffer")
)
