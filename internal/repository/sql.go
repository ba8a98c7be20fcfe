package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	xerrors "transferd/internal/errors"
	"transferd/internal/task"
)

// Dialect names the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on SQLite (single server) or PostgreSQL
// (cooperating servers sharing one database).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	closed  bool
	writeMu sync.Mutex
}

// NewSQLStore opens the database and creates the schema.
func NewSQLStore(dialect Dialect, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)

	switch dialect {
	case DialectSQLite:
		// Configure SQLite for concurrent access
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			db.SetMaxOpenConns(50)
			db.SetMaxIdleConns(10)
			db.SetConnMaxLifetime(10 * time.Minute)
		}
	case DialectPostgres:
		db, err = sql.Open("postgres", dsn)
		if err == nil {
			db.SetMaxOpenConns(20)
			db.SetMaxIdleConns(10)
		}
	default:
		return nil, fmt.Errorf("unsupported repository driver %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLStore{db: db, dialect: dialect}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(60000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(on)", path)
}

// DB exposes the handle so the dispatch queue can share the database.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL backend in use.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS transfer_tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		protocol TEXT NOT NULL,
		state TEXT NOT NULL,
		source_container TEXT NOT NULL,
		source_path TEXT NOT NULL,
		destination_container TEXT NOT NULL,
		destination_path TEXT NOT NULL,
		account_ref TEXT NOT NULL DEFAULT '',
		assigned_server_id TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		retry_of TEXT NOT NULL DEFAULT '',
		remote_task_id TEXT NOT NULL DEFAULT '',
		encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		bytes_transferred BIGINT NOT NULL DEFAULT 0,
		total_size BIGINT NOT NULL DEFAULT 0,
		items_total INTEGER NOT NULL DEFAULT 0,
		items_failed INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		last_updated_at BIGINT NOT NULL,
		last_progress_at BIGINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_transfer_tasks_state_kind ON transfer_tasks(state, kind, created_at);
	CREATE INDEX IF NOT EXISTS idx_transfer_tasks_server ON transfer_tasks(assigned_server_id, state);
	CREATE INDEX IF NOT EXISTS idx_transfer_tasks_parent ON transfer_tasks(parent_id);
	`

	_, err := s.db.Exec(query)
	return err
}

const taskColumns = `id, kind, protocol, state, source_container, source_path,
	destination_container, destination_path, account_ref, assigned_server_id,
	parent_id, retry_of, remote_task_id, encrypted, bytes_transferred, total_size,
	items_total, items_failed, retry_count, error_message, version,
	created_at, last_updated_at, last_progress_at`

// Insert stores a new task record
func (s *SQLStore) Insert(ctx context.Context, t *task.Task) error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}

	t.Version = 1
	query := `INSERT INTO transfer_tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.write(func() error {
		_, err := s.querier(ctx).ExecContext(ctx, s.rebind(query),
			t.ID, string(t.Kind), string(t.Protocol), string(t.State),
			t.Source.ContainerID, t.Source.Path,
			t.Destination.ContainerID, t.Destination.Path,
			t.AccountRef, t.AssignedServerID, t.ParentID, t.RetryOf, t.RemoteTaskID,
			t.Encrypted, t.BytesTransferred, t.TotalSize,
			t.ItemsTotal, t.ItemsFailed, t.RetryCount, t.ErrorMessage, t.Version,
			toNanos(t.CreatedAt), toNanos(t.LastUpdatedAt), toNanos(t.LastProgressAt),
		)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInternal, err, "insert task").WithSystem(xerrors.SystemDatabase)
		}
		return nil
	})
}

// Get retrieves a task record with retry mechanism
func (s *SQLStore) Get(ctx context.Context, id string) (*task.Task, error) {
	if s.closed {
		return nil, fmt.Errorf("database store is closed")
	}

	var result *task.Task
	err := s.retryOnBusy(func() error {
		row := s.querier(ctx).QueryRowContext(ctx,
			s.rebind(`SELECT `+taskColumns+` FROM transfer_tasks WHERE id = ?`), id)
		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			return xerrors.NotFound("task %s not found", id)
		}
		result = t
		return err
	})
	return result, err
}

// UpdateIfVersionMatches performs an optimistic compare-and-swap write
func (s *SQLStore) UpdateIfVersionMatches(ctx context.Context, t *task.Task, expected int64) error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}

	query := `UPDATE transfer_tasks SET
		state = ?, source_container = ?, source_path = ?,
		destination_container = ?, destination_path = ?,
		account_ref = ?, assigned_server_id = ?, parent_id = ?, retry_of = ?,
		remote_task_id = ?, encrypted = ?, bytes_transferred = ?, total_size = ?,
		items_total = ?, items_failed = ?, retry_count = ?, error_message = ?,
		version = ?, last_updated_at = ?, last_progress_at = ?
	WHERE id = ? AND version = ?`

	var affected int64
	err := s.write(func() error {
		res, err := s.querier(ctx).ExecContext(ctx, s.rebind(query),
			string(t.State), t.Source.ContainerID, t.Source.Path,
			t.Destination.ContainerID, t.Destination.Path,
			t.AccountRef, t.AssignedServerID, t.ParentID, t.RetryOf,
			t.RemoteTaskID, t.Encrypted, t.BytesTransferred, t.TotalSize,
			t.ItemsTotal, t.ItemsFailed, t.RetryCount, t.ErrorMessage,
			expected+1, toNanos(t.LastUpdatedAt), toNanos(t.LastProgressAt),
			t.ID, expected,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInternal, err, "update task").WithSystem(xerrors.SystemDatabase)
	}

	if affected == 0 {
		if _, err := s.Get(ctx, t.ID); err != nil {
			return err
		}
		return xerrors.Conflict("task %s was modified concurrently (expected version %d)", t.ID, expected)
	}

	t.Version = expected + 1
	return nil
}

// FindByStateAndKind lists tasks in a state, oldest first
func (s *SQLStore) FindByStateAndKind(ctx context.Context, state task.State, kind task.Kind) ([]*task.Task, error) {
	if kind == "" {
		return s.list(ctx, `WHERE state = ? ORDER BY created_at ASC, id ASC`, string(state))
	}
	return s.list(ctx, `WHERE state = ? AND kind = ? ORDER BY created_at ASC, id ASC`, string(state), string(kind))
}

// FindByAssignedServer lists tasks owned by a server in a state, oldest first
func (s *SQLStore) FindByAssignedServer(ctx context.Context, serverID string, state task.State) ([]*task.Task, error) {
	return s.list(ctx, `WHERE assigned_server_id = ? AND state = ? ORDER BY created_at ASC, id ASC`, serverID, string(state))
}

// FindChildren lists the items of a bulk task
func (s *SQLStore) FindChildren(ctx context.Context, parentID string) ([]*task.Task, error) {
	return s.list(ctx, `WHERE parent_id = ? ORDER BY created_at ASC, id ASC`, parentID)
}

func (s *SQLStore) list(ctx context.Context, where string, args ...any) ([]*task.Task, error) {
	if s.closed {
		return nil, fmt.Errorf("database store is closed")
	}

	var records []*task.Task
	err := s.retryOnBusy(func() error {
		records = records[:0]
		rows, err := s.querier(ctx).QueryContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM transfer_tasks `+where), args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			records = append(records, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInternal, err, "list tasks").WithSystem(xerrors.SystemDatabase)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                            task.Task
		kind, protocol, state        string
		createdAt, updatedAt, progAt int64
	)

	err := row.Scan(
		&t.ID, &kind, &protocol, &state,
		&t.Source.ContainerID, &t.Source.Path,
		&t.Destination.ContainerID, &t.Destination.Path,
		&t.AccountRef, &t.AssignedServerID, &t.ParentID, &t.RetryOf, &t.RemoteTaskID,
		&t.Encrypted, &t.BytesTransferred, &t.TotalSize,
		&t.ItemsTotal, &t.ItemsFailed, &t.RetryCount, &t.ErrorMessage, &t.Version,
		&createdAt, &updatedAt, &progAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = task.Kind(kind)
	t.Protocol = task.Protocol(protocol)
	t.State = task.State(state)
	t.CreatedAt = fromNanos(createdAt)
	t.LastUpdatedAt = fromNanos(updatedAt)
	t.LastProgressAt = fromNanos(progAt)
	return &t, nil
}

// write serializes SQLite writers to avoid SQLITE_BUSY from concurrent writers
func (s *SQLStore) write(operation func() error) error {
	if s.dialect == DialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.retryOnBusy(operation)
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// rebind converts ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	return Rebind(s.dialect, query)
}

// Rebind converts ? placeholders for the given dialect.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.closed = true
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
