package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloading_episodes (
	episode_id        TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	media_url         TEXT NOT NULL,
	destination       TEXT NOT NULL DEFAULT '',
	podcast_id        TEXT NOT NULL,
	podcast_title     TEXT NOT NULL DEFAULT '',
	podcast_image_url TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'PENDING',
	added_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS downloaded_podcasts (
	podcast_id TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	image_url  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS downloaded_episodes (
	episode_id    TEXT PRIMARY KEY,
	podcast_id    TEXT NOT NULL REFERENCES downloaded_podcasts(podcast_id) ON DELETE CASCADE,
	title         TEXT NOT NULL DEFAULT '',
	media_url     TEXT NOT NULL DEFAULT '',
	file_path     TEXT NOT NULL DEFAULT '',
	downloaded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloaded_episodes_podcast ON downloaded_episodes(podcast_id);

CREATE TABLE IF NOT EXISTS transfer_tasks (
	task_id       TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	destination   TEXT NOT NULL,
	total_bytes   INTEGER NOT NULL DEFAULT 0,
	bytes_written INTEGER NOT NULL DEFAULT 0,
	state         TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	updated_at    DATETIME NOT NULL
);
`

// InitDB opens the SQLite database at path and creates the schema if it
// doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serialises writers; sqlite allows only one anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
