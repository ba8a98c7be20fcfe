package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"transferd/internal/config"
	"transferd/internal/engine"
	"transferd/internal/queue"
	"transferd/internal/repository"
	"transferd/internal/task"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ServerID = "node-1"
	cfg.Repository.Driver = config.DriverMemory
	cfg.ArchiveBase = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	return cfg
}

func TestBuildSchedulesEveryJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Jobs[engine.JobAssign] = "*/5 * * * * *"

	srv, err := build(context.Background(), cfg, repository.NewMemoryStore(), nil, zap.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	jobs := srv.scheduler.Jobs()
	assert.Len(t, jobs, len(srv.engine.Jobs()))
	assert.Equal(t, "*/5 * * * * *", jobs[engine.JobAssign])
	assert.Equal(t, cfg.Scheduler.Default, jobs[engine.ProcessReceivedJob(task.KindUpload)])
	assert.Contains(t, jobs, engine.CompleteJob(task.KindCollectionDownload))
}

func TestBuildRejectsScheduleForUnknownJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Jobs["defragment"] = "@every 1m"

	_, err := build(context.Background(), cfg, repository.NewMemoryStore(), nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defragment")
}

func TestSQLDispatchNeedsSQLStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.Backend = queue.BackendSQL

	_, err := build(context.Background(), cfg, repository.NewMemoryStore(), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	cfg := testConfig(t)
	store, sqlStore, err := OpenStore(cfg)
	require.NoError(t, err)
	assert.Nil(t, sqlStore)
	require.NoError(t, store.Close())

	cfg.Repository.Driver = config.DriverSQLite
	cfg.Repository.DSN = filepath.Join(t.TempDir(), "tasks.db")
	store, sqlStore, err = OpenStore(cfg)
	require.NoError(t, err)
	assert.Same(t, store, repository.Store(sqlStore))
	require.NoError(t, store.Close())
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
