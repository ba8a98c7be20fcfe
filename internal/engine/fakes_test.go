package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/metrics"
	"transferd/internal/progress"
	"transferd/internal/proxy"
	"transferd/internal/repository"
	"transferd/internal/task"
	"transferd/internal/worker"
)

const (
	serverA = "server-a"
	mb      = int64(1024 * 1024)
)

type fakeToken struct{}

func (fakeToken) Protocol() task.Protocol { return task.ProtocolObjectStore }

// fakeProxy records what the engine asks of a backend. Attributes default to
// an accessible existing file.
type fakeProxy struct {
	mu          sync.Mutex
	attrs       map[string]proxy.PathAttributes
	attrsErr    error
	authErr     error
	transferErr error
	scan        []proxy.ScanItem
	requests    []proxy.Request
	listeners   map[string]progress.Listener
	// completeInline reports the whole transfer before returning the handle
	completeInline bool
	cleaned        atomic.Int32
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{
		attrs:     make(map[string]proxy.PathAttributes),
		listeners: make(map[string]progress.Listener),
	}
}

func (f *fakeProxy) setAttrs(loc task.Location, attrs proxy.PathAttributes) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attrs[loc.String()] = attrs
}

func (f *fakeProxy) listener(t *testing.T, id string) progress.Listener {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listeners[id]
	require.True(t, ok, "no transfer started for %s", id)
	return l
}

func (f *fakeProxy) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeProxy) Authenticate(context.Context, credentials.Credentials) (proxy.Token, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return fakeToken{}, nil
}

func (f *fakeProxy) GetPathAttributes(_ context.Context, _ proxy.Token, loc task.Location, _ bool) (proxy.PathAttributes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attrsErr != nil {
		return proxy.PathAttributes{}, f.attrsErr
	}
	if a, ok := f.attrs[loc.String()]; ok {
		return a, nil
	}
	return proxy.PathAttributes{Exists: true, Accessible: true, IsFile: true}, nil
}

func (f *fakeProxy) GenerateDownloadStream(context.Context, proxy.Token, task.Location) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeProxy) DownloadToDestination(_ context.Context, _ proxy.Token, req proxy.Request, _ string, l progress.Listener, _ bool) (proxy.Handle, error) {
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.listeners[req.TaskID] = l
	f.mu.Unlock()

	if f.completeInline {
		l.TransferProgressed(req.Size / 2)
		l.TransferCompleted(req.Size)
	}
	return proxy.NewCleanupHandle("remote-"+req.TaskID, func() error {
		f.cleaned.Add(1)
		return nil
	}), nil
}

func (f *fakeProxy) ScanDirectory(context.Context, proxy.Token, task.Location) ([]proxy.ScanItem, error) {
	return f.scan, nil
}

// urlProxy adds pre-signed upload URLs
type urlProxy struct {
	*fakeProxy
}

func (urlProxy) GenerateUploadURL(_ context.Context, _ proxy.Token, loc task.Location, expiry time.Duration) (string, error) {
	return "https://upload.example/" + loc.ContainerID + "/" + loc.Path + "?expires=" + expiry.String(), nil
}

// inlinePool runs jobs on the submitting goroutine. Job errors are kept
// the way a pool worker would log them.
type inlinePool struct {
	mu   sync.Mutex
	errs []error
}

func (p *inlinePool) Submit(job worker.Job) error {
	if err := job.Run(context.Background(), &worker.Slot{}); err != nil {
		p.mu.Lock()
		p.errs = append(p.errs, err)
		p.mu.Unlock()
	}
	return nil
}

func (p *inlinePool) failures() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}

type busyPool struct{}

func (busyPool) Submit(job worker.Job) error {
	return xerrors.Busy("%s pool is saturated", job.Protocol)
}

type queued struct {
	msg   task.Message
	queue string
	delay time.Duration
}

type recordingQueue struct {
	mu   sync.Mutex
	msgs []queued
}

func (q *recordingQueue) Enqueue(_ context.Context, msg task.Message, queueName string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, queued{msg: msg, queue: queueName, delay: delay})
	return nil
}

func (q *recordingQueue) sent(queueName string) []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queued
	for _, m := range q.msgs {
		if m.queue == queueName {
			out = append(out, m)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine  *Engine
	service *Service
	pool    *inlinePool
	// pools replaces pool when set
	pools    Submitter
	registry *proxy.Registry
	store    *repository.MemoryStore
	proxy    *fakeProxy
	queue    *recordingQueue
	clock    *clock
	metrics  *metrics.Collector
	archive  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   repository.NewMemoryStore(),
		pool:    &inlinePool{},
		proxy:   newFakeProxy(),
		queue:   &recordingQueue{},
		clock:   &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		metrics: metrics.New(nil),
		archive: t.TempDir(),
	}
	h.registry = proxy.NewRegistry()
	h.registry.Register(task.ProtocolObjectStore, h.proxy)
	h.engine = h.newEngine(t, serverA, h.registry, false)
	h.service = NewService(h.store, h.metrics, zap.NewNop())
	h.service.now = h.clock.Now
	return h
}

func (h *harness) newEngine(t *testing.T, serverID string, registry *proxy.Registry, recoverAny bool) *Engine {
	t.Helper()
	cfg := Config{
		ServerID:         serverID,
		ArchiveBase:      h.archive,
		MaxRetries:       3,
		Staleness:        map[task.Kind]time.Duration{task.KindDownload: 2 * time.Hour},
		DefaultStaleness: 6 * time.Hour,
		RetryBackoff:     time.Second,
		RecoverAnyServer: recoverAny,
	}
	var pools Submitter = h.pool
	if h.pools != nil {
		pools = h.pools
	}
	e, err := New(cfg, h.store, registry, credentials.NewStaticProvider(nil), pools, h.queue, h.metrics, zap.NewNop(), WithClock(h.clock.Now))
	require.NoError(t, err)
	return e
}

// create stores a task through the service and claims it for serverA
func (h *harness) create(t *testing.T, kind task.Kind, src, dst task.Location) string {
	t.Helper()
	id, err := h.service.CreateTask(context.Background(), CreateRequest{
		Kind:        kind,
		Protocol:    task.ProtocolObjectStore,
		Source:      src,
		Destination: dst,
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.Assign(context.Background()))
	return id
}

func (h *harness) get(t *testing.T, id string) *task.Task {
	t.Helper()
	got, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

// archiveFile writes a file into the archive and returns its location
func (h *harness) archiveFile(t *testing.T, container, path string, size int) task.Location {
	t.Helper()
	full := filepath.Join(h.archive, container, filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, make([]byte, size), 0o644))
	return task.Location{ContainerID: container, Path: path}
}

// setState forces a stored task into a state the way another component would
func (h *harness) setState(t *testing.T, id string, fn func(t *task.Task)) {
	t.Helper()
	ctx := context.Background()
	current := h.get(t, id)
	next := current.Clone()
	fn(next)
	require.NoError(t, h.store.UpdateIfVersionMatches(ctx, next, current.Version))
}
