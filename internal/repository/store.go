package repository

import (
	"context"

	"transferd/internal/task"
)

// Store is the durable task repository. Every mutation of an existing record
// goes through UpdateIfVersionMatches so concurrent writers never clobber
// each other.
type Store interface {
	// Insert stores a new task. The task's Version is reset to 1.
	Insert(ctx context.Context, t *task.Task) error
	// Get returns a task by id or a NOT_FOUND error.
	Get(ctx context.Context, id string) (*task.Task, error)
	// UpdateIfVersionMatches writes t only if the stored version equals
	// expected. On success t.Version is advanced. A mismatch yields CONFLICT.
	UpdateIfVersionMatches(ctx context.Context, t *task.Task, expected int64) error

	// FindByStateAndKind returns tasks oldest-created first. An empty kind
	// matches every kind.
	FindByStateAndKind(ctx context.Context, state task.State, kind task.Kind) ([]*task.Task, error)
	// FindByAssignedServer returns tasks owned by serverID in the given state.
	FindByAssignedServer(ctx context.Context, serverID string, state task.State) ([]*task.Task, error)
	// FindChildren returns the per-item children of a bulk task.
	FindChildren(ctx context.Context, parentID string) ([]*task.Task, error)

	// Cleanup
	Close() error
}

// SessionBinder pins repository resources to the lifetime of one job or
// message handler invocation. The returned release func must always be called.
type SessionBinder interface {
	Bind(ctx context.Context) (context.Context, func())
}
