package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"transferd/internal/engine"
	"transferd/internal/metrics"
	"transferd/internal/repository"
	"transferd/internal/task"
)

type staticPools map[task.Protocol]int

func (p staticPools) Inflight() map[task.Protocol]int { return p }

type staticHandles int

func (h staticHandles) LiveHandles() int { return int(h) }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	m := metrics.New(nil)
	service := engine.NewService(repository.NewMemoryStore(), m, zap.NewNop())
	s := NewServer(":0", "server-a", service, m, staticPools{task.ProtocolObjectStore: 2}, staticHandles(2), zap.NewNop())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

const downloadRequest = `{
	"kind": "DOWNLOAD",
	"protocol": "OBJECT_STORE",
	"source": {"container_id": "bucket", "path": "data/file.bin"},
	"destination": {"container_id": "archive", "path": "incoming/file.bin"}
}`

func createTask(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	status, body := do(t, http.MethodPost, ts.URL+"/api/v1/tasks", downloadRequest)
	require.Equal(t, http.StatusCreated, status, string(body))
	var created map[string]string
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created["id"])
	return created["id"]
}

func TestCreateAndGetTask(t *testing.T) {
	ts := newTestServer(t)
	id := createTask(t, ts)

	status, body := do(t, http.MethodGet, ts.URL+"/api/v1/tasks/"+id, "")
	require.Equal(t, http.StatusOK, status)

	var got task.Task
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, task.StateReceived, got.State)
	assert.Equal(t, task.KindDownload, got.Kind)
	assert.Equal(t, "data/file.bin", got.Source.Path)
}

func TestCancelTask(t *testing.T) {
	ts := newTestServer(t)
	id := createTask(t, ts)

	status, body := do(t, http.MethodPost, ts.URL+"/api/v1/tasks/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, status)
	var got task.Task
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, task.StateCancelled, got.State)

	status, body = do(t, http.MethodPost, ts.URL+"/api/v1/tasks/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), "CONFLICT")
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		code   string
	}{
		{
			name:   "unknown task",
			method: http.MethodGet,
			path:   "/api/v1/tasks/missing",
			want:   http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "malformed body",
			method: http.MethodPost,
			path:   "/api/v1/tasks",
			body:   "{",
			want:   http.StatusBadRequest,
			code:   "VALIDATION",
		},
		{
			name:   "unknown field",
			method: http.MethodPost,
			path:   "/api/v1/tasks",
			body:   `{"kind": "DOWNLOAD", "colour": "blue"}`,
			want:   http.StatusBadRequest,
			code:   "VALIDATION",
		},
		{
			name:   "invalid kind",
			method: http.MethodPost,
			path:   "/api/v1/tasks",
			body:   strings.Replace(downloadRequest, "DOWNLOAD", "TELEPORT", 1),
			want:   http.StatusBadRequest,
			code:   "VALIDATION",
		},
		{
			name:   "cancel unknown task",
			method: http.MethodPost,
			path:   "/api/v1/tasks/missing/cancel",
			want:   http.StatusNotFound,
			code:   "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, tt.method, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, status)

			var resp map[string]errorBody
			require.NoError(t, json.Unmarshal(body, &resp))
			assert.Equal(t, tt.code, resp["error"].Code)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	status, _ := do(t, http.MethodDelete, ts.URL+"/api/v1/tasks/abc", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestHealthStatsAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	createTask(t, ts)

	status, body := do(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "server-a")

	status, body = do(t, http.MethodGet, ts.URL+"/api/v1/stats", "")
	require.Equal(t, http.StatusOK, status)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, "server-a", stats.ServerID)
	assert.Equal(t, 2, stats.Inflight["OBJECT_STORE"])
	assert.Equal(t, 2, stats.LiveHandles)

	status, body = do(t, http.MethodGet, ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `transferd_task_transitions_total{kind="DOWNLOAD",state="RECEIVED"} 1`)
}
