package repository

import (
	"context"
	"database/sql"
	"sync"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sessionKey struct{}

// session lazily pins one pooled connection for a job invocation.
type session struct {
	mu   sync.Mutex
	db   *sql.DB
	conn *sql.Conn
}

func (s *session) acquire(ctx context.Context) *sql.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return nil
		}
		s.conn = conn
	}
	return s.conn
}

func (s *session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Bind implements SessionBinder.
func (s *SQLStore) Bind(ctx context.Context) (context.Context, func()) {
	sess := &session{db: s.db}
	return context.WithValue(ctx, sessionKey{}, sess), sess.release
}

func (s *SQLStore) querier(ctx context.Context) querier {
	sess, ok := ctx.Value(sessionKey{}).(*session)
	if !ok || sess.db != s.db {
		return s.db
	}
	if conn := sess.acquire(ctx); conn != nil {
		return conn
	}
	return s.db
}

// Bound reports whether ctx carries a session that currently holds a
// connection. Used by tests and diagnostics.
func Bound(ctx context.Context) bool {
	sess, ok := ctx.Value(sessionKey{}).(*session)
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.conn != nil
}
