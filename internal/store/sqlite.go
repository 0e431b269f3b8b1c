package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:       "sqlite",
	encodeTime: func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
	matchEvent: `EXISTS (SELECT 1 FROM json_each(webhooks.events) WHERE json_each.value = ? OR json_each.value = '*')`,
}

// SQLite is a single-node store backed by a database file.
type SQLite struct {
	*sqlStore
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection serializes conditional updates without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{"PRAGMA foreign_keys = ON;", "PRAGMA busy_timeout = 5000;", "PRAGMA journal_mode = WAL;"} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := bootstrapSQLite(pctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{sqlStore: &sqlStore{db: db, d: sqliteDialect}}, nil
}

func bootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS webhooks (
  id          TEXT PRIMARY KEY,
  url         TEXT NOT NULL,
  events      TEXT NOT NULL,
  secret      TEXT NOT NULL,
  active      INTEGER NOT NULL DEFAULT 1,
  description TEXT,
  updated_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
  id              TEXT PRIMARY KEY,
  type            TEXT NOT NULL,
  payload         TEXT NOT NULL,
  occurred_at     TEXT NOT NULL,
  idempotency_key TEXT
);`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id               TEXT PRIMARY KEY,
  webhook_id       TEXT NOT NULL,
  event_id         TEXT NOT NULL REFERENCES webhook_events(id),
  status           TEXT NOT NULL,
  attempt_number   INTEGER NOT NULL DEFAULT 1,
  scheduled_at     TEXT NOT NULL,
  attempted_at     TEXT,
  completed_at     TEXT,
  http_status_code INTEGER,
  response_body    TEXT,
  error_message    TEXT,
  response_time_ms INTEGER,
  next_retry_at    TEXT,
  updated_at       TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS webhook_deliveries_status_sched ON webhook_deliveries(status, scheduled_at);`,
		`CREATE INDEX IF NOT EXISTS webhook_deliveries_status_retry ON webhook_deliveries(status, next_retry_at);`,
		`CREATE INDEX IF NOT EXISTS webhook_deliveries_event ON webhook_deliveries(event_id);`,
		`CREATE INDEX IF NOT EXISTS webhook_deliveries_webhook ON webhook_deliveries(webhook_id);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
