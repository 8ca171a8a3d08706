// steward-migrate upgrades a data directory from the legacy schema:
// early deployments kept tenant rows in a "sites" bucket and backup
// rows in "archives". The current store reads "tenants" and
// "backup_records". The old buckets are preserved for rollback.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/steward", "Steward data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <data-dir>/steward.db.backup)")
)

// renames maps legacy bucket names onto the current schema.
var renames = map[string]string{
	"sites":    "tenants",
	"archives": "backup_records",
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Steward Database Migration Tool - legacy bucket layout")
	log.Println("======================================================")

	dbPath := filepath.Join(*dataDir, "steward.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	for from, to := range renames {
		if err := migrateBucket(db, from, to, *dryRun); err != nil {
			log.Fatalf("Migration of %s failed: %v", from, err)
		}
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
		log.Println("Legacy buckets have been preserved for rollback if needed.")
	}
}

func migrateBucket(db *bolt.DB, from, to string, dryRun bool) error {
	var rowCount int

	err := db.View(func(tx *bolt.Tx) error {
		legacy := tx.Bucket([]byte(from))
		if legacy == nil {
			log.Printf("✓ No %q bucket found - nothing to migrate", from)
			return nil
		}
		if tx.Bucket([]byte(to)) != nil {
			log.Printf("⚠ Warning: both %q and %q buckets exist", from, to)
		}
		return legacy.ForEach(func(k, v []byte) error {
			rowCount++
			return nil
		})
	})
	if err != nil {
		return err
	}
	if rowCount == 0 {
		return nil
	}
	log.Printf("Found %d rows in %q to migrate", rowCount, from)

	return db.Update(func(tx *bolt.Tx) error {
		if dryRun {
			log.Printf("[DRY RUN] Would copy %d rows from %q to %q", rowCount, from, to)
			return nil
		}

		target, err := tx.CreateBucketIfNotExists([]byte(to))
		if err != nil {
			return fmt.Errorf("failed to create %q bucket: %w", to, err)
		}
		legacy := tx.Bucket([]byte(from))
		if legacy == nil {
			return nil
		}

		migrated := 0
		err = legacy.ForEach(func(k, v []byte) error {
			var row map[string]interface{}
			if err := json.Unmarshal(v, &row); err != nil {
				log.Printf("⚠ Warning: skipping invalid JSON for key %s: %v", k, err)
				return nil
			}
			if err := target.Put(k, v); err != nil {
				return fmt.Errorf("failed to copy row %s: %w", k, err)
			}
			migrated++
			if migrated%50 == 0 {
				log.Printf("  Migrated %d/%d...", migrated, rowCount)
			}
			return nil
		})
		if err != nil {
			return err
		}

		log.Printf("✓ Migrated %d/%d rows from %q to %q", migrated, rowCount, from, to)
		log.Printf("✓ Preserved %q bucket for rollback", from)
		return nil
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
