package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    goal_id     TEXT NOT NULL,
    title       TEXT NOT NULL,
    goal        TEXT,
    status      TEXT NOT NULL,
    error       TEXT,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS steps (
    id            TEXT PRIMARY KEY,
    execution_id  TEXT NOT NULL REFERENCES executions(id),
    position      INTEGER NOT NULL,
    type          TEXT NOT NULL,
    payload       TEXT,
    status        TEXT NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT,
    next_retry_at INTEGER,
    lease_expires_at INTEGER,
    output        TEXT,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL,
    UNIQUE (execution_id, position)
);

CREATE INDEX IF NOT EXISTS idx_steps_claim ON steps (execution_id, status, position);

CREATE TABLE IF NOT EXISTS agents (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    type         TEXT NOT NULL,
    capabilities TEXT NOT NULL DEFAULT '[]',
    active       BOOLEAN NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS contracts (
    id           TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL,
    requester_id TEXT NOT NULL,
    responder_id TEXT NOT NULL,
    terms        TEXT,
    accepted     BOOLEAN NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id          TEXT PRIMARY KEY,
    contract_id TEXT NOT NULL REFERENCES contracts(id),
    sender_id   TEXT NOT NULL,
    payload     TEXT,
    created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
    id         TEXT PRIMARY KEY,
    type       TEXT NOT NULL,
    payload    TEXT NOT NULL,
    status     TEXT NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    claimed_until INTEGER,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox (status, id);
`

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// SQLite allows a single writer, so the pool is limited to one connection;
// this also keeps ":memory:" databases shared across callers.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	// Databases created before leases existed lack these columns.
	for _, c := range []struct{ table, column, decl string }{
		{"steps", "lease_expires_at", "INTEGER"},
		{"outbox", "claimed_until", "INTEGER"},
	} {
		if err := addSQLiteColumn(db, c.table, c.column, c.decl); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SQLStore{db: db}, nil
}

func addSQLiteColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	rows.Close()
	if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}
