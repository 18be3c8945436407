package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens/creates a SQLite DB file and ensures tables exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// Single writer; the dispatcher and the HTTP layer share one connection.
	// This also keeps ":memory:" databases alive for the lifetime of *sql.DB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Fail fast if the DB cannot be reached
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}

const sqliteDriverName = "sqlite"

// position is the change-feed order; timestamp is whatever the producer sent.
const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    position INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    payload TEXT,
    recorded_at TIMESTAMP NOT NULL
);
`

const schemaEventsTypeIndex = `
CREATE INDEX IF NOT EXISTS idx_events_type_position ON events (event_type, position);
`

const schemaDeviceStates = `
CREATE TABLE IF NOT EXISTS device_states (
    entity_id TEXT PRIMARY KEY,
    current_state TEXT NOT NULL,
    friendly_name TEXT,
    last_changed TEXT NOT NULL,
    last_event_id TEXT NOT NULL,
    last_event_position INTEGER NOT NULL,
    attributes TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_id TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('running', 'finished', 'error')),
    start_time TEXT NOT NULL,
    end_time TEXT,
    duration_ms INTEGER,
    start_energy REAL NOT NULL,
    end_energy REAL,
    energy_consumed REAL,
    energy_unit TEXT NOT NULL,
    started_by TEXT NOT NULL CHECK (started_by IN ('automation', 'manual')),
    humidity_threshold REAL,
    start_humidity REAL,
    end_humidity REAL,
    humidity_unit TEXT,
    start_temperature REAL,
    end_temperature REAL,
    temperature_unit TEXT,
    start_event_id TEXT NOT NULL UNIQUE,
    end_event_id TEXT,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// At most one running run per entity, whatever the writer does.
const schemaRunsOneRunning = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_running ON runs (entity_id) WHERE status = 'running';
`

const schemaRunsEntityStart = `
CREATE INDEX IF NOT EXISTS idx_runs_entity_id ON runs (entity_id, id DESC);
`

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{
		schemaEvents,
		schemaEventsTypeIndex,
		schemaDeviceStates,
		schemaRuns,
		schemaRunsOneRunning,
		schemaRunsEntityStart,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}
