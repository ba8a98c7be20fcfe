package accelerated

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/progress"
	"transferd/internal/proxy"
	"transferd/internal/task"
)

const okScript = `#!/bin/sh
for a in "$@"; do prev="$last"; last="$a"; done
printf '%s\n' "$@" > "$ARGS_OUT"
printf '%s\n' "$ASPERA_SCP_PASS" >> "$ARGS_OUT"
cat "$prev" > "$ARGS_OUT.data"
printf 'f.bin   50%%  5B  1Mb/s  00:01 ETA\r'
printf 'f.bin  100%% 10B  1Mb/s  00:00 ETA\n'
exit 0
`

const failScript = `#!/bin/sh
echo "connecting" >&2
echo "ascp: failed to authenticate" >&2
exit 1
`

const hangScript = `#!/bin/sh
exec sleep 30
`

type recorder struct {
	mu         sync.Mutex
	progressed []int64
	completed  chan int64
	failed     chan string
}

func newRecorder() *recorder {
	return &recorder{completed: make(chan int64, 1), failed: make(chan string, 1)}
}

func (r *recorder) TransferProgressed(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressed = append(r.progressed, n)
}
func (r *recorder) TransferCompleted(n int64)    { r.completed <- n }
func (r *recorder) TransferFailed(reason string) { r.failed <- reason }

func writeScript(t *testing.T, body string) string {
	if runtime.GOOS == "windows" {
		t.Skip("shell script client")
	}
	bin := filepath.Join(t.TempDir(), "fake-ascp")
	require.NoError(t, os.WriteFile(bin, []byte(body), 0o755))
	return bin
}

func setup(t *testing.T, script string) (*Proxy, proxy.Token, string, string) {
	bin := writeScript(t, script)
	staging := t.TempDir()
	archive := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(archive, "coll"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archive, "coll", "archived.bin"), []byte("0123456789"), 0o644))

	p := New(Config{Binary: bin, Host: "remote.example", StagingDir: staging}, 1, progress.NewTracker(), zap.NewNop())
	tok, err := p.Authenticate(context.Background(), credentials.Credentials{Username: "alice", Token: "s3cret"})
	require.NoError(t, err)
	return p, tok, archive, staging
}

func request() proxy.Request {
	return proxy.Request{
		TaskID:      "t1",
		Direction:   proxy.ToBackend,
		Source:      task.Location{ContainerID: "coll", Path: "archived.bin"},
		Destination: task.Location{ContainerID: "home", Path: "inbox/f.bin"},
	}
}

func TestAuthenticate(t *testing.T) {
	bin := writeScript(t, okScript)

	p := New(Config{Binary: bin}, 1, nil, zap.NewNop())
	_, err := p.Authenticate(context.Background(), credentials.Credentials{AccountRef: "anon"})
	assert.ErrorIs(t, err, xerrors.ErrAuthentication)

	p = New(Config{Binary: bin, User: "svc"}, 1, nil, zap.NewNop())
	tok, err := p.Authenticate(context.Background(), credentials.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, task.ProtocolAcceleratedUDP, tok.Protocol())

	p = New(Config{Binary: filepath.Join(t.TempDir(), "missing")}, 1, nil, zap.NewNop())
	_, err = p.Authenticate(context.Background(), credentials.Credentials{Username: "u"})
	assert.ErrorIs(t, err, xerrors.ErrUnsupported)
}

func TestUnsupportedOperations(t *testing.T) {
	p := New(Config{}, 1, nil, zap.NewNop())
	ctx := context.Background()

	_, err := p.GetPathAttributes(ctx, token{}, task.Location{}, false)
	assert.ErrorIs(t, err, xerrors.ErrUnsupported)
	_, err = p.GenerateDownloadStream(ctx, token{}, task.Location{})
	assert.ErrorIs(t, err, xerrors.ErrUnsupported)
	_, err = p.ScanDirectory(ctx, token{}, task.Location{})
	assert.ErrorIs(t, err, xerrors.ErrUnsupported)

	req := request()
	req.Direction = proxy.FromBackend
	_, err = p.DownloadToDestination(ctx, token{}, req, t.TempDir(), newRecorder(), false)
	assert.ErrorIs(t, err, xerrors.ErrUnsupported)
}

func TestTransferCompletes(t *testing.T) {
	p, tok, archive, staging := setup(t, okScript)
	argsOut := filepath.Join(t.TempDir(), "args")
	t.Setenv("ARGS_OUT", argsOut)

	rec := newRecorder()
	h, err := p.DownloadToDestination(context.Background(), tok, request(), archive, rec, true)
	require.NoError(t, err)
	assert.Equal(t, "t1", h.ID())

	select {
	case n := <-rec.completed:
		assert.Equal(t, int64(10), n)
	case reason := <-rec.failed:
		t.Fatalf("unexpected failure: %s", reason)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout")
	}

	rec.mu.Lock()
	assert.Equal(t, []int64{5, 10}, rec.progressed)
	rec.mu.Unlock()

	out, err := os.ReadFile(argsOut)
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.GreaterOrEqual(t, len(args), 4)
	assert.Contains(t, args, "--file-crypt=encrypt")
	assert.Equal(t, "f.bin", filepath.Base(args[len(args)-3]))
	assert.Equal(t, "alice@remote.example:/home/inbox", args[len(args)-2])
	assert.Equal(t, "s3cret", args[len(args)-1])

	data, err := os.ReadFile(argsOut + ".data")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(staging)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, h.Cleanup())
}

func TestTransferFailureReportsStderr(t *testing.T) {
	p, tok, archive, _ := setup(t, failScript)

	rec := newRecorder()
	_, err := p.DownloadToDestination(context.Background(), tok, request(), archive, rec, false)
	require.NoError(t, err)

	select {
	case reason := <-rec.failed:
		assert.Contains(t, reason, "ascp: failed to authenticate")
	case <-rec.completed:
		t.Fatal("unexpected completion")
	case <-time.After(10 * time.Second):
		t.Fatal("timeout")
	}
}

func TestCleanupStopsRunningClient(t *testing.T) {
	p, tok, archive, staging := setup(t, hangScript)

	rec := newRecorder()
	h, err := p.DownloadToDestination(context.Background(), tok, request(), archive, rec, false)
	require.NoError(t, err)

	require.NoError(t, h.Cleanup())

	select {
	case <-rec.failed:
	case <-rec.completed:
		t.Fatal("unexpected completion")
	case <-time.After(10 * time.Second):
		t.Fatal("client kept running after cleanup")
	}
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMissingArchiveFile(t *testing.T) {
	p, tok, archive, _ := setup(t, okScript)
	req := request()
	req.Source.Path = "nope.bin"
	_, err := p.DownloadToDestination(context.Background(), tok, req, archive, newRecorder(), false)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line  string
		total int64
		want  int64
		ok    bool
	}{
		{line: "f.bin   45%  450MB  100Mb/s  00:05 ETA", total: 1 << 30, want: 450 << 20, ok: true},
		{line: "f.bin  100%  1.5GB  100Mb/s", total: 2 << 30, want: 3 << 29, ok: true},
		{line: "f.bin  100%  12KB", total: 10, want: 10, ok: true},
		{line: "completed 50%", total: 200, want: 100, ok: true},
		{line: "Session Stop", total: 200},
		{line: "50%", total: 0},
	}
	for _, tt := range tests {
		got, ok := ParseProgress(tt.line, tt.total)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.line)
		}
	}
}
