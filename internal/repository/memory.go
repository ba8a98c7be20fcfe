package repository

import (
	"context"
	"sort"
	"sync"

	xerrors "transferd/internal/errors"
	"transferd/internal/task"
)

// MemoryStore is an in-process Store used by single-node test setups.
type MemoryStore struct {
	tasks map[string]*task.Task
	mu    sync.RWMutex
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*task.Task),
	}
}

// Insert stores a new task
func (m *MemoryStore) Insert(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[t.ID]; exists {
		return xerrors.Conflict("task %s already exists", t.ID)
	}

	t.Version = 1
	m.tasks[t.ID] = t.Clone()
	return nil
}

// Get retrieves a task by ID
func (m *MemoryStore) Get(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.tasks[id]
	if !exists {
		return nil, xerrors.NotFound("task %s not found", id)
	}
	return t.Clone(), nil
}

// UpdateIfVersionMatches writes t when the stored version equals expected
func (m *MemoryStore) UpdateIfVersionMatches(_ context.Context, t *task.Task, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.tasks[t.ID]
	if !exists {
		return xerrors.NotFound("task %s not found", t.ID)
	}
	if current.Version != expected {
		return xerrors.Conflict("task %s was modified concurrently (expected version %d)", t.ID, expected)
	}

	t.Version = expected + 1
	stored := t.Clone()
	stored.Kind = current.Kind
	stored.Protocol = current.Protocol
	stored.CreatedAt = current.CreatedAt
	m.tasks[t.ID] = stored
	return nil
}

// FindByStateAndKind lists tasks in a state, oldest first
func (m *MemoryStore) FindByStateAndKind(_ context.Context, state task.State, kind task.Kind) ([]*task.Task, error) {
	return m.filter(func(t *task.Task) bool {
		return t.State == state && (kind == "" || t.Kind == kind)
	}), nil
}

// FindByAssignedServer lists tasks owned by a server in a state, oldest first
func (m *MemoryStore) FindByAssignedServer(_ context.Context, serverID string, state task.State) ([]*task.Task, error) {
	return m.filter(func(t *task.Task) bool {
		return t.AssignedServerID == serverID && t.State == state
	}), nil
}

// FindChildren lists the items of a bulk task
func (m *MemoryStore) FindChildren(_ context.Context, parentID string) ([]*task.Task, error) {
	return m.filter(func(t *task.Task) bool {
		return t.ParentID == parentID
	}), nil
}

func (m *MemoryStore) filter(match func(*task.Task) bool) []*task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*task.Task
	for _, t := range m.tasks {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Bind implements SessionBinder; the memory store holds no sessions.
func (m *MemoryStore) Bind(ctx context.Context) (context.Context, func()) {
	return ctx, func() {}
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
