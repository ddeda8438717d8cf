package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

type Config struct {
	Path        string
	DialTimeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id          TEXT    NOT NULL UNIQUE,
	content_hash    TEXT    NOT NULL,
	source_path     TEXT    NOT NULL,
	sender          TEXT    NOT NULL,
	receiver        TEXT    NOT NULL,
	profile         TEXT    NOT NULL,
	state           TEXT    NOT NULL,
	transmission_id TEXT    NOT NULL DEFAULT '',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT    NOT NULL DEFAULT '',
	next_attempt_at TEXT,
	created_at      TEXT    NOT NULL,
	updated_at      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_hash ON jobs(content_hash);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
-- Backstop for the dedup invariant: at most one non-terminal job per hash.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_hash_active
	ON jobs(content_hash)
	WHERE state IN ('queued','submitting','sent');

CREATE TABLE IF NOT EXISTS payloads (
	job_id TEXT PRIMARY KEY REFERENCES jobs(job_id),
	body   BLOB NOT NULL
);
`

// Open opens the job store at cfg.Path, creating it if needed. The database
// runs in WAL mode so acknowledged writes survive an abrupt process kill.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("opening job store", "path", cfg.Path)

	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		url.PathEscape(cfg.Path),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error("failed to open job store", "error", err)
		return nil, err
	}
	// A single writer connection sidesteps SQLITE_BUSY between goroutines;
	// serialization of create_or_get happens in the database, not in Go.
	db.SetMaxOpenConns(1)

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		logger.Error("failed to ping job store", "error", err)
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		logger.Error("failed to apply job store schema", "error", err)
		return nil, err
	}

	logger.Info("job store ready")
	return db, nil
}

// Close closes the store gracefully.
func Close(db *sql.DB, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		logger.Error("failed to close job store", "error", err)
		return
	}
	logger.Info("job store closed")
}
