// Package sqlite provides the durable local store for the edge gateway.
// Uses WAL mode for concurrent reads and crash-safe writes. The store
// holds four tables: devices, events, offline_batches, and the
// edge_identity singleton. The device registry, event processor, and
// batch manager are the only writers.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/edge.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "edge.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id               TEXT PRIMARY KEY,
			global_device_id        TEXT NOT NULL DEFAULT '',
			display_name            TEXT NOT NULL DEFAULT '',
			location                TEXT NOT NULL DEFAULT '',
			device_type             TEXT NOT NULL DEFAULT '',
			status                  TEXT NOT NULL DEFAULT 'unknown',
			tcp_connected           BOOLEAN NOT NULL DEFAULT 0,
			last_heartbeat_at       INTEGER,
			last_event_at           INTEGER,
			heartbeat_count         INTEGER NOT NULL DEFAULT 0,
			event_count             INTEGER NOT NULL DEFAULT 0,
			connected_at            INTEGER,
			source_ip               TEXT NOT NULL DEFAULT '',
			active_cloud_session_id TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			id               TEXT PRIMARY KEY,
			device_id        TEXT NOT NULL,
			cloud_session_id TEXT NOT NULL DEFAULT '',
			offline_mode     BOOLEAN NOT NULL DEFAULT 0,
			offline_batch_id TEXT,
			plu_code         TEXT NOT NULL DEFAULT '',
			product_name     TEXT NOT NULL DEFAULT '',
			weight_grams     INTEGER NOT NULL DEFAULT 0,
			barcode          TEXT NOT NULL DEFAULT '',
			scale_timestamp  TEXT NOT NULL DEFAULT '',
			received_at      INTEGER NOT NULL,
			source_ip        TEXT NOT NULL DEFAULT '',
			raw_data         TEXT NOT NULL DEFAULT '',
			sync_status      TEXT NOT NULL DEFAULT 'pending',
			cloud_id         TEXT NOT NULL DEFAULT '',
			synced_at        INTEGER,
			sync_attempts    INTEGER NOT NULL DEFAULT 0,
			last_sync_error  TEXT NOT NULL DEFAULT '',
			rejected         BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_sync ON events(sync_status, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_batch ON events(offline_batch_id)`,

		`CREATE TABLE IF NOT EXISTS offline_batches (
			batch_id              TEXT PRIMARY KEY,
			device_id             TEXT,
			started_at            INTEGER NOT NULL,
			ended_at              INTEGER,
			event_count           INTEGER NOT NULL DEFAULT 0,
			total_weight_grams    INTEGER NOT NULL DEFAULT 0,
			reconciliation_status TEXT NOT NULL DEFAULT 'pending',
			cloud_session_id      TEXT NOT NULL DEFAULT '',
			reconciled_at         INTEGER,
			reconciled_by         TEXT NOT NULL DEFAULT '',
			notes                 TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_status ON offline_batches(reconciliation_status)`,

		// Singleton row, id fixed at 1.
		`CREATE TABLE IF NOT EXISTS edge_identity (
			id            INTEGER PRIMARY KEY CHECK (id = 1),
			edge_id       TEXT NOT NULL DEFAULT '',
			site_id       TEXT NOT NULL DEFAULT '',
			site_name     TEXT NOT NULL DEFAULT '',
			registered_at INTEGER
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableUnixMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromMilli(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.UnixMilli(n.Int64)
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
