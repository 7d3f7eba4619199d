// Package walcompat provides a bbolt-backed side channel the
// crash-safety test harness uses as a trusted, independent record of
// "what a table's committed rows should look like right after a
// successful commit" (§3 DOMAIN STACK). It plays no part in the
// storage core itself: bbolt is a real, separately-durable embedded
// store, so a simulated-crash test has a second oracle to diff its
// own recovered state against, rather than only checking its own
// commit path against itself.
package walcompat

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// Snapshot is one recorded table state: every row's column values,
// keyed by their ObjKey formatted as a decimal string so it survives
// a JSON round trip without a custom codec.
type Snapshot struct {
	Table string
	Rows  map[string][]string
}

// Oracle is a bbolt database dedicated to recording Snapshots.
type Oracle struct {
	db *bolt.DB
}

// Open creates (or reopens) an Oracle backed by its own bbolt file at
// path, following the teacher's pkg/storage.NewBoltStore pattern of a
// bolt.Open plus an up-front bucket creation.
func Open(path string) (*Oracle, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("walcompat: open oracle: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("walcompat: create snapshots bucket: %w", err)
	}
	return &Oracle{db: db}, nil
}

// Close closes the oracle's bbolt file.
func (o *Oracle) Close() error {
	return o.db.Close()
}

// Record durably stores snap under a per-table sub-bucket, keyed by a
// monotonically increasing sequence so every recorded commit stays
// inspectable, not just the latest. bolt.DB.Update fsyncs its own file
// before returning, so once Record returns the snapshot is at least as
// durable as the commit it is meant to verify.
func (o *Oracle) Record(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("walcompat: marshal snapshot: %w", err)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		tb, err := b.CreateBucketIfNotExists([]byte(snap.Table))
		if err != nil {
			return err
		}
		seq, err := tb.NextSequence()
		if err != nil {
			return err
		}
		return tb.Put(itob(seq), data)
	})
}

// Latest returns the most recently recorded snapshot for table, or
// ok == false if Record was never called for it.
func (o *Oracle) Latest(table string) (Snapshot, bool, error) {
	var snap Snapshot
	found := false
	err := o.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		tb := b.Bucket([]byte(table))
		if tb == nil {
			return nil
		}
		_, v := tb.Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &snap)
	})
	return snap, found, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
