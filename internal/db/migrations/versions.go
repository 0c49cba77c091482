package migrations

import (
	"database/sql"
)

// getAllMigrations returns the catalog layout history
func getAllMigrations() []Migration {
	return []Migration{
		migration1_CatalogTables(),
		migration2_UpgradeHistory(),
	}
}

// migration1_CatalogTables creates the stored version and the collection
// and index catalog.
func migration1_CatalogTables() Migration {
	return Migration{
		Version:     1,
		Description: "Create catalog tables (kv_meta, kv_collections, kv_indexes)",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS kv_meta (
					key TEXT PRIMARY KEY,
					value INTEGER NOT NULL
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS kv_collections (
					name TEXT PRIMARY KEY,
					key_path TEXT NOT NULL DEFAULT 'null',
					auto_increment INTEGER NOT NULL DEFAULT 0,
					sequence INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL
				)
			`); err != nil {
				return err
			}

			// Indexes are listed in declaration order, so rowid matters
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS kv_indexes (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					collection TEXT NOT NULL,
					name TEXT NOT NULL,
					field TEXT NOT NULL,
					is_unique INTEGER NOT NULL DEFAULT 0,
					multi_entry INTEGER NOT NULL DEFAULT 0,
					UNIQUE (collection, name),
					FOREIGN KEY (collection) REFERENCES kv_collections(name) ON DELETE CASCADE
				)
			`); err != nil {
				return err
			}

			return nil
		},
	}
}

// migration2_UpgradeHistory records every applied upgrade run
func migration2_UpgradeHistory() Migration {
	return Migration{
		Version:     2,
		Description: "Create upgrade history table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS kv_upgrade_history (
					run_id TEXT PRIMARY KEY,
					from_version INTEGER NOT NULL,
					to_version INTEGER NOT NULL,
					applied_at INTEGER NOT NULL
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_kv_upgrade_history_to ON kv_upgrade_history(to_version)`); err != nil {
				return err
			}

			return nil
		},
	}
}
