package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"transferd/internal/execution"
	"transferd/internal/metrics"
)

func newScheduler(t *testing.T) (*Scheduler, *metrics.Collector) {
	t.Helper()
	m := metrics.New(nil)
	s := New(execution.New(nil, nil, m, zap.NewNop()), m, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, m
}

func skipped(t *testing.T, m *metrics.Collector, job string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "transferd_job_skipped_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "job" && l.GetValue() == job {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestOverlappingFiringIsSkipped(t *testing.T) {
	s, m := newScheduler(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Add("slow", "@every 1h", func(ctx context.Context) error {
		runs.Add(1)
		close(entered)
		<-release
		return nil
	}))

	done := make(chan bool)
	go func() {
		ran, err := s.Trigger("slow")
		assert.NoError(t, err)
		done <- ran
	}()
	<-entered

	ran, err := s.Trigger("slow")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1.0, skipped(t, m, "slow"))

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
}

func TestJobRunsAgainAfterFinishing(t *testing.T) {
	s, m := newScheduler(t)

	var runs atomic.Int32
	require.NoError(t, s.Add("quick", "", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	for i := 0; i < 3; i++ {
		ran, err := s.Trigger("quick")
		require.NoError(t, err)
		assert.True(t, ran)
	}
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, 0.0, skipped(t, m, "quick"))
	assert.Equal(t, DefaultSpec, s.Jobs()["quick"])
}

func TestFailingJobDoesNotStopLaterFirings(t *testing.T) {
	s, _ := newScheduler(t)

	var runs atomic.Int32
	require.NoError(t, s.Add("flaky", "@every 1h", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return errors.New("still broken")
	}))

	for i := 0; i < 2; i++ {
		ran, err := s.Trigger("flaky")
		require.NoError(t, err)
		assert.True(t, ran)
	}
	assert.Equal(t, int32(2), runs.Load())
}

func TestScheduledFiring(t *testing.T) {
	s, _ := newScheduler(t)

	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestSecondsFieldIsOptional(t *testing.T) {
	s, _ := newScheduler(t)
	noop := func(ctx context.Context) error { return nil }

	assert.NoError(t, s.Add("five-fields", "*/5 * * * *", noop))
	assert.NoError(t, s.Add("six-fields", "*/10 * * * * *", noop))
	assert.NoError(t, s.Add("descriptor", "@hourly", noop))
}

func TestAddRejectsBadInput(t *testing.T) {
	s, _ := newScheduler(t)
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Add("bad", "not a schedule", noop))
	require.NoError(t, s.Add("once", "@every 1m", noop))
	assert.Error(t, s.Add("once", "@every 1m", noop))

	_, err := s.Trigger("missing")
	assert.Error(t, err)
}

func TestAddAll(t *testing.T) {
	noop := func(ctx context.Context) error { return nil }
	jobs := map[string]func(ctx context.Context) error{
		"assign":  noop,
		"process": noop,
	}

	s, _ := newScheduler(t)
	require.NoError(t, s.AddAll(jobs, map[string]string{"assign": "@every 5s"}))
	assert.Equal(t, map[string]string{"assign": "@every 5s", "process": DefaultSpec}, s.Jobs())

	other, _ := newScheduler(t)
	err := other.AddAll(jobs, map[string]string{"unknown": "@every 5s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
	assert.Empty(t, other.Jobs())
}

func TestStopWithoutRunningJobs(t *testing.T) {
	s, _ := newScheduler(t)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
