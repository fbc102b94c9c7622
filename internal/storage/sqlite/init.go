package sqlite

import (
	"database/sql"
	"fmt"
	"os"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	source_ref TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	digest TEXT NOT NULL DEFAULT '',
	content_kind TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	completed_at DATETIME,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_source_status ON records (source_ref, status);
CREATE INDEX IF NOT EXISTS idx_records_digest_status ON records (digest, status);
CREATE INDEX IF NOT EXISTS idx_records_created ON records (created_at);
CREATE TABLE IF NOT EXISTS state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// InitDB initializes the SQLite database and creates the schema if it doesn't
// exist. An unreadable or corrupt database file is removed and recreated
// empty: the store favors starting with a clean state over refusing to start.
func InitDB(path string) (*sql.DB, error) {
	db, err := open(path)
	if err == nil {
		return db, nil
	}

	if path == ":memory:" {
		return nil, err
	}

	if rmErr := os.Remove(path); rmErr != nil {
		return nil, fmt.Errorf("failed to reset corrupt database: %w", err)
	}

	db, openErr := open(path)
	if openErr != nil {
		return nil, fmt.Errorf("failed to recreate database: %w", openErr)
	}

	return db, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
