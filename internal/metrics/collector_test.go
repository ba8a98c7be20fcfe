package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferd/internal/progress"
)

func TestCollectorCounters(t *testing.T) {
	c := New(nil)

	c.ObserveJob("assign", "success", 10*time.Millisecond)
	c.ObserveJob("assign", "error", time.Millisecond)
	c.IncJobSkipped("assign")
	c.IncTransition("DOWNLOAD", "COMPLETED")
	c.AddBytes("OBJECT_STORE", 1024)
	c.AddBytes("OBJECT_STORE", 0)
	c.IncRejected("POSIX_BRIDGE")
	c.IncDispatch("received", "enqueued")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("assign", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsSkipped.WithLabelValues("assign")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("DOWNLOAD", "COMPLETED")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.bytesTotal.WithLabelValues("OBJECT_STORE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolRejected.WithLabelValues("POSIX_BRIDGE")))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.IncJobSkipped("x")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.jobsSkipped.WithLabelValues("x")))
}

func TestHandlerExposesActiveTransfers(t *testing.T) {
	tracker := progress.NewTracker()
	tracker.TransferStarted()
	c := New(tracker)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "transferd_active_transfers 1")
	assert.Same(t, tracker, c.GetProgressTracker())
}
