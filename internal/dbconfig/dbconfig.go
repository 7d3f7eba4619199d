// Package dbconfig holds the small option structs used to open a Group,
// following the teacher's preference for explicit option structs over a
// configuration framework: there is no CLI surface for the storage core
// (spec §6), so there is nothing for cobra/viper to bind.
package dbconfig

// OpenMode selects how the allocator backing a Group is attached.
type OpenMode int

const (
	// ReadOnly opens the database file for read access only; no top
	// ref swap is ever performed, and Commit is refused.
	ReadOnly OpenMode = iota
	// ReadWrite opens the database file for both read and write.
	ReadWrite
)

// Options configures how a Group attaches to its backing storage.
type Options struct {
	// Mode selects read-only vs. read-write.
	Mode OpenMode

	// Buffer, when non-nil, makes the Group use an in-memory buffer
	// instead of a file (§6 "in-memory buffer interface"). Commit is
	// not permitted in this mode.
	Buffer []byte

	// InitialFileSize is the minimum size (rounded up to whole
	// megabytes) a freshly created file is extended to on first write.
	InitialFileSize int64

	// EnsureFileSizeIsMultipleOfPageSize pads file growth so the file
	// length always lands on an 8-byte boundary (§6 "8-byte aligned").
	EnsureFileSizeIsMultipleOfPageSize bool
}

// DefaultOptions returns the Options used when a caller does not
// customize anything: read-write, megabyte-aligned growth.
func DefaultOptions() Options {
	return Options{
		Mode:                               ReadWrite,
		InitialFileSize:                    0,
		EnsureFileSizeIsMultipleOfPageSize: true,
	}
}
