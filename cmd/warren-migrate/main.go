package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/cuemby/warren/internal/cluster"
	"github.com/cuemby/warren/internal/dbconfig"
	"github.com/cuemby/warren/internal/dbgroup"
	"github.com/cuemby/warren/internal/metadata"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/warren", "directory holding the database file")
	dbName     = flag.String("db", "warren.db", "database file name within data-dir")
	dryRun     = flag.Bool("dry-run", false, "report what would be migrated without making changes")
	backupPath = flag.String("backup", "", "path to back up the database before migrating (default: <db>.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Warren Database Migration Tool - flx_metadata -> sync_internal_schemas")
	log.Println("=======================================================================")

	dbPath := filepath.Join(*dataDir, *dbName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("database: %s", dbPath)
	log.Printf("dry run: %v", *dryRun)

	legacyVersion, ok, err := inspectLegacy(dbPath)
	if err != nil {
		log.Fatalf("inspect database: %v", err)
	}
	if !ok {
		log.Println("no legacy flx_metadata table found - database is already on the unified schema")
		return
	}
	log.Printf("found legacy flx_metadata row: schema_version=%d", legacyVersion)

	if *dryRun {
		log.Println("[dry run] would create sync_internal_schemas, insert (flx_subscription_store, " +
			"legacy.schema_version), drop flx_metadata, and commit")
		log.Println("dry run completed, no changes made")
		return
	}

	backupFile := *backupPath
	if backupFile == "" {
		backupFile = dbPath + ".backup"
	}
	log.Printf("creating backup: %s", backupFile)
	if err := copyFile(dbPath, backupFile); err != nil {
		log.Fatalf("create backup: %v", err)
	}
	log.Println("backup created successfully")

	if err := runMigration(dbPath); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("migration completed successfully")
}

// inspectLegacy opens the database read-only and reports whether a
// legacy flx_metadata table is present, without migrating it
// (metadata.Open never migrates in read-only mode, §4.7).
func inspectLegacy(dbPath string) (int64, bool, error) {
	g, err := dbgroup.Open(dbPath, dbconfig.Options{Mode: dbconfig.ReadOnly})
	if err != nil {
		return 0, false, err
	}
	defer g.Close()

	tree, schema, ok := g.Table("flx_metadata")
	if !ok || len(schema.Columns) != 1 || schema.Columns[0].Name != "schema_version" {
		return 0, false, nil
	}
	size, err := tree.Size()
	if err != nil || size != 1 {
		return 0, false, err
	}

	var version int64
	var loadErr error
	found := false
	if err := tree.ForEachRow(func(key cluster.ObjKey, _ *cluster.Cluster, _ int) bool {
		v, lerr := tree.GetValue(key, 0)
		if lerr != nil {
			loadErr = lerr
			return false
		}
		version = v.Int
		found = true
		return false
	}); err != nil {
		return 0, false, err
	}
	if loadErr != nil {
		return 0, false, loadErr
	}
	return version, found, nil
}

// runMigration opens the database read-write, which triggers
// metadata.Open's one-shot legacy migration as a single atomic commit.
func runMigration(dbPath string) error {
	g, err := dbgroup.Open(dbPath, dbconfig.DefaultOptions())
	if err != nil {
		return err
	}
	defer g.Close()

	_, err = metadata.Open(g, false)
	return err
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
