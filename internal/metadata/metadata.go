// Package metadata implements the second half of component G:
// SyncMetadataSchemaVersions, a one-table catalog mapping a group name
// to an i64 schema version (§4.7), plus the one-shot migration off the
// legacy single-row "flx_metadata" table a pre-unification database
// may still carry.
package metadata

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/cuemby/warren/internal/cluster"
	"github.com/cuemby/warren/internal/dbgroup"
)

const (
	schemaTableName = "sync_internal_schemas"
	legacyTableName = "flx_metadata"
	auditTableName  = "sync_migration_audit"

	// legacyGroupName is the group every pre-unification flx_metadata
	// row is attributed to on migration (§4.7): the old table only
	// ever tracked the subscription store's own schema version.
	legacyGroupName = "flx_subscription_store"
)

const (
	colGroupName = iota
	colVersion
)

const legacyColSchemaVersion = 0

func schema() *cluster.Schema {
	return &cluster.Schema{Columns: []cluster.ColumnDef{
		{Name: "group_name", Type: cluster.ColString},
		{Name: "version", Type: cluster.ColInt},
	}}
}

func auditSchema() *cluster.Schema {
	return &cluster.Schema{Columns: []cluster.ColumnDef{
		{Name: "blob", Type: cluster.ColBinary},
	}}
}

// Store is the schema-version catalog for one database (§4.7).
type Store struct {
	g    *dbgroup.Group
	tree *cluster.ClusterTree

	nextKey cluster.ObjKey
}

// Open attaches a Store to g. In write mode, a legacy flx_metadata
// table (exactly one row, one column "schema_version") is migrated
// into the unified sync_internal_schemas table and dropped, all as
// part of this one Open call. A read-only open never migrates and
// treats flx_metadata, if present, as though it did not exist (§4.7
// "a read-only opener sees the legacy table as absent").
func Open(g *dbgroup.Group, readOnly bool) (*Store, error) {
	s := &Store{g: g}

	if tree, _, ok := g.Table(schemaTableName); ok {
		s.tree = tree
		if err := s.recoverKeyCounter(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if readOnly {
		return s, nil
	}

	if err := s.migrateLegacyLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// migrateLegacyLocked looks for a legacy flx_metadata table shaped
// exactly like the one-row, one-column table sync_metadata_schema used
// to be, migrates its single value into the new table, drops it, and
// commits. A legacy table that does not match that exact shape is left
// untouched: §4.7 only defines behavior for the well-formed case, and
// guessing at a malformed one risks losing data silently.
func (s *Store) migrateLegacyLocked() error {
	legacy, legacySchemaActual, ok := s.g.Table(legacyTableName)
	if !ok {
		return nil
	}
	if len(legacySchemaActual.Columns) != 1 || legacySchemaActual.Columns[0].Name != "schema_version" {
		return nil
	}

	size, err := legacy.Size()
	if err != nil {
		return fmt.Errorf("metadata: inspect legacy table: %w", err)
	}
	if size != 1 {
		return nil
	}

	var legacyKey cluster.ObjKey
	found := false
	if err := legacy.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		legacyKey = key
		found = true
		return false
	}); err != nil {
		return fmt.Errorf("metadata: scan legacy table: %w", err)
	}
	if !found {
		return nil
	}

	versionVal, err := legacy.GetValue(legacyKey, legacyColSchemaVersion)
	if err != nil {
		return fmt.Errorf("metadata: read legacy schema_version: %w", err)
	}
	legacyVersion := versionVal.Int

	tree, err := s.g.CreateTable(schemaTableName, schema(), 0)
	if err != nil {
		return fmt.Errorf("metadata: create unified schema table: %w", err)
	}
	s.tree = tree
	s.nextKey = 0

	if err := s.setVersionLocked(legacyGroupName, legacyVersion); err != nil {
		return fmt.Errorf("metadata: migrate legacy row: %w", err)
	}

	if err := s.writeMigrationAuditLocked(legacyVersion); err != nil {
		return fmt.Errorf("metadata: write migration audit record: %w", err)
	}

	if err := s.g.DropTable(legacyTableName); err != nil {
		return fmt.Errorf("metadata: drop legacy table: %w", err)
	}

	if err := s.g.Commit(); err != nil {
		return fmt.Errorf("metadata: commit legacy migration: %w", err)
	}

	// Commit refreshes every cached tree from the new top ref; look
	// ours up again through the catalog.
	tree, _, ok = s.g.Table(schemaTableName)
	if !ok {
		return fmt.Errorf("metadata: unified schema table missing after migration commit")
	}
	s.tree = tree
	return s.recoverKeyCounter()
}

// writeMigrationAuditLocked records a small, compressed diagnostic
// blob describing the pre-migration flx_metadata row, so a support
// bundle taken later can still show what was migrated and from what
// version (§3 DOMAIN STACK: klauspost/compress).
func (s *Store) writeMigrationAuditLocked(legacyVersion int64) error {
	record := []byte(fmt.Sprintf(
		"legacy flx_metadata row migrated: group=%s schema_version=%d",
		legacyGroupName, legacyVersion))
	compressed := s2.Encode(nil, record)

	auditTree, _, ok := s.g.Table(auditTableName)
	if !ok {
		var err error
		auditTree, err = s.g.CreateTable(auditTableName, auditSchema(), 0)
		if err != nil {
			return err
		}
	}
	size, err := auditTree.Size()
	if err != nil {
		return err
	}
	return auditTree.Insert(cluster.ObjKey(size), []cluster.Value{
		cluster.BinaryValue(compressed),
	})
}

func (s *Store) recoverKeyCounter() error {
	var maxKey cluster.ObjKey = -1
	if err := s.tree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		if key > maxKey {
			maxKey = key
		}
		return true
	}); err != nil {
		return err
	}
	s.nextKey = maxKey + 1
	return nil
}

// GetVersionFor returns the version recorded for group, or ok == false
// if the table does not exist yet or group has no entry (§4.7).
func (s *Store) GetVersionFor(group string) (int64, bool, error) {
	if s.tree == nil {
		return 0, false, nil
	}
	key, ok, err := s.findLocked(group)
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := s.tree.GetValue(key, colVersion)
	if err != nil {
		return 0, false, err
	}
	return v.Int, true, nil
}

// SetVersionFor records version for group, creating the backing table
// on first use (§4.7).
func (s *Store) SetVersionFor(group string, version int64) error {
	if s.tree == nil {
		tree, err := s.g.CreateTable(schemaTableName, schema(), 0)
		if err != nil {
			return fmt.Errorf("metadata: create schema table: %w", err)
		}
		s.tree = tree
	}
	return s.setVersionLocked(group, version)
}

func (s *Store) setVersionLocked(group string, version int64) error {
	key, ok, err := s.findLocked(group)
	if err != nil {
		return err
	}
	if ok {
		return s.tree.SetValue(key, colVersion, cluster.IntValue(version))
	}
	newKey := s.nextKey
	s.nextKey++
	return s.tree.Insert(newKey, []cluster.Value{
		cluster.StringValue(group),
		cluster.IntValue(version),
	})
}

func (s *Store) findLocked(group string) (cluster.ObjKey, bool, error) {
	var found cluster.ObjKey
	ok := false
	var loadErr error
	err := s.tree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		nameVal, lerr := s.tree.GetValue(key, colGroupName)
		if lerr != nil {
			loadErr = lerr
			return false
		}
		if nameVal.Str == group {
			found = key
			ok = true
			return false
		}
		return true
	})
	if err != nil {
		return 0, false, err
	}
	if loadErr != nil {
		return 0, false, loadErr
	}
	return found, ok, nil
}
