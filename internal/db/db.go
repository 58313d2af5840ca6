// Package db is the persisted store for obstacles, reports, users and the
// append-only obstacle history. It is a thin layer over SQLite: raw SQL, no
// ORM. Spatial lookups use a bounding-box prewhere on the lat/lng columns
// plus great-circle refinement, and prefix matching on the stored spatial
// hash column.
package db

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
}

// NewDB opens the database at path and ensures the schema exists. The inline
// schema matches migrations/000001_init; MigrateUp is the operational path
// for later schema changes.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{db}, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS obstacles (
		id                  TEXT PRIMARY KEY,
		obstacle_type       TEXT NOT NULL,
		latitude            DOUBLE NOT NULL,
		longitude           DOUBLE NOT NULL,
		severity            TEXT NOT NULL DEFAULT 'medium',
		status              TEXT NOT NULL DEFAULT 'active',
		confidence_score    INTEGER NOT NULL DEFAULT 50,
		confirmations_count INTEGER NOT NULL DEFAULT 0,
		disputes_count      INTEGER NOT NULL DEFAULT 0,
		spatial_hash        TEXT NOT NULL,
		municipal_confirmed INTEGER NOT NULL DEFAULT 0,
		created_by          TEXT,
		created_at          INTEGER NOT NULL,
		last_confirmed_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_obstacles_spatial_hash ON obstacles(spatial_hash);
	CREATE INDEX IF NOT EXISTS idx_obstacles_status ON obstacles(status);
	CREATE INDEX IF NOT EXISTS idx_obstacles_latlng ON obstacles(latitude, longitude);

	CREATE TABLE IF NOT EXISTS reports (
		id          TEXT PRIMARY KEY,
		obstacle_id TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		report_type TEXT NOT NULL,
		severity    TEXT,
		description TEXT,
		photo_urls  TEXT,
		latitude    DOUBLE NOT NULL,
		longitude   DOUBLE NOT NULL,
		created_at  INTEGER NOT NULL,
		FOREIGN KEY(obstacle_id) REFERENCES obstacles(id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_reports_user_type
		ON reports(obstacle_id, user_id, report_type)
		WHERE report_type IN ('confirm', 'dispute');
	CREATE INDEX IF NOT EXISTS idx_reports_user_time ON reports(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_reports_obstacle ON reports(obstacle_id);

	CREATE TABLE IF NOT EXISTS users (
		id               TEXT PRIMARY KEY,
		trust_score      INTEGER NOT NULL DEFAULT 50,
		reports_verified INTEGER NOT NULL DEFAULT 0,
		reports_disputed INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS obstacle_history (
		history_id  INTEGER PRIMARY KEY AUTOINCREMENT,
		obstacle_id TEXT NOT NULL,
		action      TEXT NOT NULL,
		old_status  TEXT,
		new_status  TEXT,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_obstacle ON obstacle_history(obstacle_id);
`
