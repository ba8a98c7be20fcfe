package repository

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "transferd/internal/errors"
	"transferd/internal/task"
)

type storeFactory func(t *testing.T) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLStore(DialectSQLite, filepath.Join(t.TempDir(), "tasks.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func newTask(id string, kind task.Kind, created time.Time) *task.Task {
	return &task.Task{
		ID:            id,
		Kind:          kind,
		Protocol:      task.ProtocolObjectStore,
		State:         task.StateReceived,
		Source:        task.Location{ContainerID: "src", Path: "in/" + id},
		Destination:   task.Location{ContainerID: "dst", Path: "out/" + id},
		CreatedAt:     created,
		LastUpdatedAt: created,
	}
}

func TestStoreInsertGet(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			now := time.Now().UTC().Truncate(time.Microsecond)

			in := newTask("a", task.KindDownload, now)
			in.AccountRef = "acct-1"
			in.Encrypted = true
			require.NoError(t, s.Insert(ctx, in))
			assert.Equal(t, int64(1), in.Version)

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, task.KindDownload, got.Kind)
			assert.Equal(t, "acct-1", got.AccountRef)
			assert.True(t, got.Encrypted)
			assert.True(t, got.CreatedAt.Equal(now))
			assert.True(t, got.LastProgressAt.IsZero())

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, xerrors.ErrNotFound)
		})
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.Insert(ctx, newTask("a", task.KindUpload, time.Now())))

			first, err := s.Get(ctx, "a")
			require.NoError(t, err)
			second, err := s.Get(ctx, "a")
			require.NoError(t, err)

			first.AssignedServerID = "srv-1"
			require.NoError(t, s.UpdateIfVersionMatches(ctx, first, first.Version))
			assert.Equal(t, int64(2), first.Version)

			second.AssignedServerID = "srv-2"
			err = s.UpdateIfVersionMatches(ctx, second, second.Version)
			assert.ErrorIs(t, err, xerrors.ErrConflict)

			stored, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "srv-1", stored.AssignedServerID)

			ghost := newTask("ghost", task.KindUpload, time.Now())
			assert.ErrorIs(t, s.UpdateIfVersionMatches(ctx, ghost, 1), xerrors.ErrNotFound)
		})
	}
}

func TestStoreConcurrentClaimSingleWinner(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.Insert(ctx, newTask("a", task.KindDownload, time.Now())))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					tk, err := s.Get(ctx, "a")
					if err != nil || tk.AssignedServerID != "" {
						return
					}
					tk.AssignedServerID = string(rune('A' + i))
					if s.UpdateIfVersionMatches(ctx, tk, tk.Version) == nil {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestStoreFindOrdering(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			base := time.Now()

			require.NoError(t, s.Insert(ctx, newTask("newest", task.KindDownload, base.Add(2*time.Second))))
			require.NoError(t, s.Insert(ctx, newTask("oldest", task.KindDownload, base)))
			require.NoError(t, s.Insert(ctx, newTask("middle", task.KindDownload, base.Add(time.Second))))
			require.NoError(t, s.Insert(ctx, newTask("other", task.KindUpload, base)))

			found, err := s.FindByStateAndKind(ctx, task.StateReceived, task.KindDownload)
			require.NoError(t, err)
			require.Len(t, found, 3)
			assert.Equal(t, []string{"oldest", "middle", "newest"}, ids(found))

			all, err := s.FindByStateAndKind(ctx, task.StateReceived, "")
			require.NoError(t, err)
			assert.Len(t, all, 4)
		})
	}
}

func TestStoreFindByServerAndChildren(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			now := time.Now()

			owned := newTask("owned", task.KindDownload, now)
			owned.AssignedServerID = "srv-1"
			owned.State = task.StateInProgress
			require.NoError(t, s.Insert(ctx, owned))

			child := newTask("child", task.KindDownload, now)
			child.ParentID = "parent"
			require.NoError(t, s.Insert(ctx, child))

			found, err := s.FindByAssignedServer(ctx, "srv-1", task.StateInProgress)
			require.NoError(t, err)
			assert.Equal(t, []string{"owned"}, ids(found))

			children, err := s.FindChildren(ctx, "parent")
			require.NoError(t, err)
			assert.Equal(t, []string{"child"}, ids(children))
		})
	}
}

func TestSQLStoreSessionBinding(t *testing.T) {
	s, err := NewSQLStore(DialectSQLite, filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx, release := s.Bind(context.Background())
	assert.False(t, Bound(ctx))

	require.NoError(t, s.Insert(ctx, newTask("a", task.KindDownload, time.Now())))
	assert.True(t, Bound(ctx))

	release()
	assert.False(t, Bound(ctx))

	_, err = s.Get(ctx, "a")
	assert.NoError(t, err, "released session re-acquires lazily")
	release()
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", Rebind(DialectPostgres, "a = ? AND b = ?"))
	assert.Equal(t, "a = ?", Rebind(DialectSQLite, "a = ?"))
}

func ids(tasks []*task.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
