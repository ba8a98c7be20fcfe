package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
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

type fakeDrive struct {
	mu       sync.Mutex
	url      string
	files    map[string][]byte
	ranges   []string
	uploaded bytes.Buffer
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("refresh_token") {
		case "refresh-ok":
			w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
		case "unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		}
		return
	}
	if r.URL.Path == "/upload/1" {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.ranges = append(f.ranges, r.Header.Get("Content-Range"))
		f.uploaded.Write(body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if r.Header.Get("Authorization") != "Bearer tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method + " " + r.URL.Path {
	case "GET /drives/d1/root:/docs":
		json.NewEncoder(w).Encode(DriveItem{ID: "docs", Name: "docs", Size: 10, Folder: &FolderMetadata{ChildCount: 2}})
	case "GET /drives/d1/root:/docs/a.txt":
		json.NewEncoder(w).Encode(DriveItem{ID: "a", Name: "a.txt", Size: 5, File: &FileMetadata{}})
	case "GET /drives/d1/root:/docs/a.txt:/content":
		w.Write(f.files["docs/a.txt"])
	case "GET /drives/d1/root:/secret":
		w.WriteHeader(http.StatusForbidden)
	case "GET /drives/d1/items/docs/children":
		if r.URL.Query().Get("page") == "2" {
			json.NewEncoder(w).Encode(childrenPage{Value: []DriveItem{{ID: "b", Name: "b.txt", Size: 3, File: &FileMetadata{}}}})
			return
		}
		json.NewEncoder(w).Encode(childrenPage{
			Value: []DriveItem{
				{ID: "a", Name: "a.txt", Size: 5, File: &FileMetadata{}},
				{ID: "sub", Name: "sub", Folder: &FolderMetadata{ChildCount: 1}},
			},
			NextLink: f.url + "/drives/d1/items/docs/children?page=2",
		})
	case "GET /drives/d1/items/sub/children":
		json.NewEncoder(w).Encode(childrenPage{Value: []DriveItem{{ID: "c", Name: "c.txt", Size: 2, File: &FileMetadata{}}}})
	case "PUT /drives/d1/root:/up/small.txt:/content":
		body, _ := io.ReadAll(r.Body)
		f.files["up/small.txt"] = body
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(DriveItem{ID: "s", Name: "small.txt", Size: int64(len(body))})
	case "POST /drives/d1/root:/up/big.bin:/createUploadSession":
		json.NewEncoder(w).Encode(UploadSession{UploadURL: f.url + "/upload/1"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type doneListener struct {
	completed chan int64
	failed    chan string
}

func newDoneListener() *doneListener {
	return &doneListener{completed: make(chan int64, 1), failed: make(chan string, 1)}
}

func (l *doneListener) TransferProgressed(int64)     {}
func (l *doneListener) TransferCompleted(n int64)    { l.completed <- n }
func (l *doneListener) TransferFailed(reason string) { l.failed <- reason }

func (l *doneListener) wait(t *testing.T) int64 {
	select {
	case n := <-l.completed:
		return n
	case reason := <-l.failed:
		t.Fatalf("unexpected failure: %s", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	return 0
}

func newTestProxy(t *testing.T) (*Proxy, *fakeDrive) {
	f := &fakeDrive{files: map[string][]byte{"docs/a.txt": []byte("hello")}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	f.url = srv.URL

	p := New(Config{
		BaseURL:           srv.URL,
		TokenURL:          srv.URL + "/token",
		SimpleUploadLimit: 8,
		ChunkSize:         4,
	}, 1, progress.NewTracker(), zap.NewNop())
	return p, f
}

func authenticate(t *testing.T, p *Proxy) proxy.Token {
	tok, err := p.Authenticate(context.Background(), credentials.Credentials{Token: "tok"})
	require.NoError(t, err)
	return tok
}

func TestAuthenticate(t *testing.T) {
	p, _ := newTestProxy(t)
	ctx := context.Background()

	tok, err := p.Authenticate(ctx, credentials.Credentials{ClientID: "app", RefreshToken: "refresh-ok"})
	require.NoError(t, err)
	assert.Equal(t, task.ProtocolConsumerDrive, tok.Protocol())

	_, err = p.Authenticate(ctx, credentials.Credentials{ClientID: "app", RefreshToken: "revoked"})
	assert.ErrorIs(t, err, xerrors.ErrAuthentication)

	_, err = p.Authenticate(ctx, credentials.Credentials{ClientID: "app", RefreshToken: "unavailable"})
	assert.ErrorIs(t, err, xerrors.ErrTransient)

	_, err = p.Authenticate(ctx, credentials.Credentials{AccountRef: "empty"})
	assert.ErrorIs(t, err, xerrors.ErrAuthentication)
}

func TestGetPathAttributes(t *testing.T) {
	p, _ := newTestProxy(t)
	tok := authenticate(t, p)
	ctx := context.Background()

	attrs, err := p.GetPathAttributes(ctx, tok, task.Location{ContainerID: "d1", Path: "/docs"}, true)
	require.NoError(t, err)
	assert.Equal(t, proxy.PathAttributes{Exists: true, IsDirectory: true, Accessible: true, Size: 10}, attrs)

	attrs, err = p.GetPathAttributes(ctx, tok, task.Location{ContainerID: "d1", Path: "docs/a.txt"}, false)
	require.NoError(t, err)
	assert.True(t, attrs.IsFile)
	assert.Zero(t, attrs.Size)

	attrs, err = p.GetPathAttributes(ctx, tok, task.Location{ContainerID: "d1", Path: "secret"}, false)
	require.NoError(t, err)
	assert.False(t, attrs.Accessible)

	attrs, err = p.GetPathAttributes(ctx, tok, task.Location{ContainerID: "d1", Path: "nope"}, false)
	require.NoError(t, err)
	assert.False(t, attrs.Exists)
	assert.True(t, attrs.Accessible)
}

func TestGenerateDownloadStream(t *testing.T) {
	p, _ := newTestProxy(t)
	tok := authenticate(t, p)

	rc, err := p.GenerateDownloadStream(context.Background(), tok, task.Location{ContainerID: "d1", Path: "docs/a.txt"})
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = p.GenerateDownloadStream(context.Background(), tok, task.Location{ContainerID: "d1", Path: "missing.txt"})
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestSmallUpload(t *testing.T) {
	p, f := newTestProxy(t)
	tok := authenticate(t, p)
	archive := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(archive, "coll"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archive, "coll", "s.txt"), []byte("tiny"), 0o644))

	l := newDoneListener()
	_, err := p.DownloadToDestination(context.Background(), tok, proxy.Request{
		TaskID:      "t1",
		Direction:   proxy.ToBackend,
		Source:      task.Location{ContainerID: "coll", Path: "s.txt"},
		Destination: task.Location{ContainerID: "d1", Path: "up/small.txt"},
	}, archive, l, false)
	require.NoError(t, err)
	assert.Equal(t, int64(4), l.wait(t))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "tiny", string(f.files["up/small.txt"]))
}

func TestChunkedUpload(t *testing.T) {
	p, f := newTestProxy(t)
	tok := authenticate(t, p)
	archive := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(archive, "coll"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archive, "coll", "big.bin"), []byte("0123456789"), 0o644))

	l := newDoneListener()
	_, err := p.DownloadToDestination(context.Background(), tok, proxy.Request{
		TaskID:      "t1",
		Direction:   proxy.ToBackend,
		Source:      task.Location{ContainerID: "coll", Path: "big.bin"},
		Destination: task.Location{ContainerID: "d1", Path: "up/big.bin"},
	}, archive, l, false)
	require.NoError(t, err)
	assert.Equal(t, int64(10), l.wait(t))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"bytes 0-3/10", "bytes 4-7/10", "bytes 8-9/10"}, f.ranges)
	assert.Equal(t, "0123456789", f.uploaded.String())
}

func TestDownloadIntoArchive(t *testing.T) {
	p, _ := newTestProxy(t)
	tok := authenticate(t, p)
	archive := t.TempDir()

	l := newDoneListener()
	h, err := p.DownloadToDestination(context.Background(), tok, proxy.Request{
		TaskID:      "t1",
		Direction:   proxy.FromBackend,
		Source:      task.Location{ContainerID: "d1", Path: "docs/a.txt"},
		Destination: task.Location{ContainerID: "coll", Path: "docs/a.txt"},
		Size:        5,
	}, archive, l, false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), l.wait(t))
	require.NoError(t, h.Cleanup())

	data, err := os.ReadFile(filepath.Join(archive, "coll", "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestScanDirectoryFollowsPagesAndFolders(t *testing.T) {
	p, _ := newTestProxy(t)
	tok := authenticate(t, p)

	items, err := p.ScanDirectory(context.Background(), tok, task.Location{ContainerID: "d1", Path: "docs"})
	require.NoError(t, err)
	assert.Equal(t, []proxy.ScanItem{
		{RelativePath: "a.txt", Size: 5},
		{RelativePath: "b.txt", Size: 3},
		{RelativePath: "sub/c.txt", Size: 2},
	}, items)

	_, err = p.ScanDirectory(context.Background(), tok, task.Location{ContainerID: "d1", Path: "docs/a.txt"})
	assert.ErrorIs(t, err, xerrors.ErrValidation)
}
