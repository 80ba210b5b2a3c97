package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers, so code redemption and pair rotation
	// transactions never interleave.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id                               TEXT PRIMARY KEY,
			name                             TEXT NOT NULL,
			email                            TEXT,
			username                         TEXT NOT NULL UNIQUE,
			password_hash                    TEXT NOT NULL,
			role                             TEXT NOT NULL DEFAULT 'member',
			confirmed                        INTEGER NOT NULL DEFAULT 1,
			disabled                         INTEGER NOT NULL DEFAULT 0,
			created_by                       TEXT REFERENCES users(id) ON DELETE SET NULL,
			credential_view_token            TEXT,
			credential_view_token_expires_at INTEGER,
			created_at                       INTEGER NOT NULL,
			updated_at                       INTEGER NOT NULL,

			CHECK (role IN ('member', 'admin'))
		);

		CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

		CREATE TABLE IF NOT EXISTS oauth_clients (
			client_id     TEXT PRIMARY KEY,
			client_name   TEXT,
			redirect_uris TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auth_codes (
			code           TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			client_id      TEXT,
			code_challenge TEXT NOT NULL,
			redirect_uri   TEXT,
			agent_label    TEXT,
			expires_at     INTEGER NOT NULL,
			used           INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_tokens (
			access_token  TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			refresh_token TEXT NOT NULL UNIQUE,
			agent_label   TEXT,
			last_used_at  INTEGER,
			expires_at    INTEGER NOT NULL,
			scope         TEXT NOT NULL DEFAULT 'read write'
		);

		CREATE INDEX IF NOT EXISTS idx_oauth_tokens_user ON oauth_tokens(user_id);

		CREATE TABLE IF NOT EXISTS admin_sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			csrf_token TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS projects (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT,
			created_by  TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS project_members (
			project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role        TEXT NOT NULL DEFAULT 'member',
			assigned_at INTEGER NOT NULL,
			PRIMARY KEY (project_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			title        TEXT NOT NULL,
			description  TEXT,
			status       TEXT NOT NULL DEFAULT 'pending',
			priority     TEXT NOT NULL DEFAULT 'medium',
			assigned_to  TEXT REFERENCES users(id) ON DELETE SET NULL,
			created_by   TEXT NOT NULL,
			due_date     TEXT,
			completed_at INTEGER,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,

			CHECK (status IN ('pending', 'in_progress', 'completed', 'cancelled')),
			CHECK (priority IN ('low', 'medium', 'high', 'urgent'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

		CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);

		CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id         TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			blocked_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (task_id, blocked_task_id),

			CHECK (task_id <> blocked_task_id)
		);

		CREATE TABLE IF NOT EXISTS task_comments (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			content    TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS activity_log (
			id            TEXT PRIMARY KEY,
			user_id       TEXT REFERENCES users(id) ON DELETE SET NULL,
			agent_label   TEXT,
			tool_name     TEXT NOT NULL,
			input_summary TEXT,
			success       INTEGER NOT NULL DEFAULT 1,
			error_msg     TEXT,
			created_at    INTEGER NOT NULL
		);

		CREATE TRIGGER IF NOT EXISTS activity_log_cap
		AFTER INSERT ON activity_log
		BEGIN
			DELETE FROM activity_log
			WHERE id IN (
				SELECT id FROM activity_log
				ORDER BY created_at ASC, rowid ASC
				LIMIT MAX(0, (SELECT COUNT(*) FROM activity_log) - 500)
			);
		END;

		CREATE TABLE IF NOT EXISTS rate_limits (
			key      TEXT PRIMARY KEY,
			count    INTEGER NOT NULL,
			reset_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) runMigrations() error {
	// SQLite has no ADD COLUMN IF NOT EXISTS, so check pragma_table_info first.
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "auth_codes",
			column: "client_id",
			apply:  `ALTER TABLE auth_codes ADD COLUMN client_id TEXT`,
		},
		{
			table:  "admin_sessions",
			column: "csrf_token",
			apply:  `ALTER TABLE admin_sessions ADD COLUMN csrf_token TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// IncrementCounter implements the shared fixed-window counter.
func (s *SQLiteStore) IncrementCounter(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	nowMs := toMillis(now)
	resetMs := toMillis(now.Add(window))

	var count int
	var resetAt int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limits (key, count, reset_at) VALUES (?, 1, ?)
		ON CONFLICT (key) DO UPDATE SET
			count    = CASE WHEN rate_limits.reset_at <= ? THEN 1 ELSE rate_limits.count + 1 END,
			reset_at = CASE WHEN rate_limits.reset_at <= ? THEN excluded.reset_at ELSE rate_limits.reset_at END
		RETURNING count, reset_at
	`, key, resetMs, nowMs, nowMs).Scan(&count, &resetAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing counter: %w", err)
	}
	return count, fromMillis(resetAt), nil
}

// PurgeExpired deletes rows that can never match a lookup again.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time, tokenRetention time.Duration) (PurgeResult, error) {
	var res PurgeResult
	nowMs := toMillis(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		query string
		arg   int64
		out   *int64
	}{
		{`DELETE FROM auth_codes WHERE expires_at <= ? OR used = 1`, nowMs, &res.AuthCodes},
		{`DELETE FROM oauth_tokens WHERE expires_at <= ?`, toMillis(now.Add(-tokenRetention)), &res.Tokens},
		{`DELETE FROM admin_sessions WHERE expires_at <= ?`, nowMs, &res.AdminSessions},
		{`DELETE FROM rate_limits WHERE reset_at <= ?`, nowMs, &res.RateLimits},
	}
	for _, st := range steps {
		r, err := tx.ExecContext(ctx, st.query, st.arg)
		if err != nil {
			return res, fmt.Errorf("purge: %w", err)
		}
		n, _ := r.RowsAffected()
		*st.out = n
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit purge: %w", err)
	}
	return res, nil
}

// Backup writes a consistent snapshot of the database to path with VACUUM INTO.
func (s *SQLiteStore) Backup(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: toMillis(t), Valid: !t.IsZero()}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
