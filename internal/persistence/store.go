// Package persistence owns all durable broker state: agents, tasks, task
// messages, activity logs and security events live in a single embedded
// SQLite database behind a narrow repository API. All mutations funnel
// through this package; the single-writer connection is the serialization
// point for reservations.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "herd-v1-broker-core"

	// v2: agent role label + cleanup protection flag.
	schemaVersionV2  = 2
	schemaChecksumV2 = "herd-v2-agent-role-protection"

	// v3: cron schedules + security events.
	schemaVersionV3  = 3
	schemaChecksumV3 = "herd-v3-schedules-security"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3
)

// Store is the durable repository for broker state. It holds a single
// SQLite connection; SetMaxOpenConns(1) plus WAL gives row-level
// single-writer discipline without application locks.
type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goherd", "goherd.db")
}

// Open opens (creating if necessary) the broker database at path and applies
// pending migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	// Phase 1: base tables (v1). CREATE IF NOT EXISTS keeps this idempotent
	// for databases created at any prior version.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '[]',
			workspace_json TEXT,
			last_seen DATETIME NOT NULL,
			waiting_since DATETIME,
			waiting_capabilities TEXT,
			waiting_workspace TEXT,
			eviction_requested INTEGER NOT NULL DEFAULT 0,
			eviction_reason TEXT NOT NULL DEFAULT '',
			eviction_action TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			origin_json TEXT NOT NULL DEFAULT '{}',
			route_json TEXT NOT NULL DEFAULT '{}',
			priority TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('normal', 'high', 'critical')),
			status TEXT NOT NULL CHECK(status IN (
				'QUEUED', 'PENDING_ACK', 'ASSIGNED', 'IN_PROGRESS', 'IN_REVIEW',
				'APPROVED_QUEUED', 'COMPLETED', 'BLOCKED', 'REJECTED', 'FAILED', 'CANCELLED'
			)),
			dependencies TEXT NOT NULL DEFAULT '[]',
			assigned_to TEXT NOT NULL DEFAULT '',
			pending_ack_agent_id TEXT NOT NULL DEFAULT '',
			ack_sent_at DATETIME,
			response_json TEXT,
			history_json TEXT NOT NULL DEFAULT '[]',
			context_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			last_activity_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			role TEXT NOT NULL CHECK(role IN ('user', 'agent', 'system')),
			content TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT '',
			reply_to TEXT NOT NULL DEFAULT '',
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: forward-only additive steps. Each ALTER checks column presence
	// via the "duplicate column name" error; there is no downgrade path.
	alterStatements := []struct {
		stmt string
		desc string
	}{
		// v2: role label + cleanup protection.
		{stmt: `ALTER TABLE agents ADD COLUMN role TEXT NOT NULL DEFAULT '';`, desc: "agents.role"},
		{stmt: `ALTER TABLE agents ADD COLUMN protected INTEGER NOT NULL DEFAULT 0;`, desc: "agents.protected"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}

	// v3: schedules + security events.
	v3Statements := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			prompt TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			priority TEXT NOT NULL DEFAULT 'normal',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS security_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL DEFAULT '',
			prompt_excerpt TEXT NOT NULL DEFAULT '',
			flags TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range v3Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 3: indexes (may reference columns added above).
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_pending_ack ON tasks(status, ack_sent_at);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_waiting ON agents(waiting_since);`,
		`CREATE INDEX IF NOT EXISTS idx_task_messages_unread ON task_messages(task_id, is_read, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_log_time ON activity_log(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// RecoverInFlight resets state that cannot survive a restart: every task in
// PENDING_ACK goes back to QUEUED with its reservation cleared (the polling
// agent's HTTP connection did not survive the restart either), and every
// agent's waiting mark is dropped. Returns the number of requeued tasks.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	var requeued int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?;`, StatusPendingAck)
		if err != nil {
			return fmt.Errorf("query pending-ack tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending-ack task: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate pending-ack tasks: %w", err)
		}

		now := time.Now().UTC()
		for _, id := range ids {
			if err := transitionTaskTx(ctx, tx, id, []TaskStatus{StatusPendingAck}, StatusQueued, Transition{
				Timestamp: now,
				Status:    StatusQueued,
				Message:   "requeued by startup recovery",
			}); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET pending_ack_agent_id = '', ack_sent_at = NULL
				WHERE id = ?;
			`, id); err != nil {
				return fmt.Errorf("clear reservation on recovery: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agents
			SET waiting_since = NULL, waiting_capabilities = NULL, waiting_workspace = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE waiting_since IS NOT NULL;
		`); err != nil {
			return fmt.Errorf("clear waiting marks on recovery: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit recovery tx: %w", err)
		}
		requeued = len(ids)
		return nil
	})
	return requeued, err
}
