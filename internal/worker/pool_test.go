package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	xerrors "transferd/internal/errors"
	"transferd/internal/metrics"
	"transferd/internal/task"
)

// submit retries until a slot frees up
func submit(t *testing.T, p *Pool, job Job) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Submit(job) == nil }, time.Second, time.Millisecond)
}

func TestPoolRunsJobs(t *testing.T) {
	p := NewPool(task.ProtocolPosixBridge, Config{Size: 2}, metrics.New(nil), zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		submit(t, p, Job{
			TaskID:   "t",
			Protocol: task.ProtocolPosixBridge,
			Run: func(context.Context, *Slot) error {
				ran.Add(1)
				return nil
			},
		})
	}

	require.Eventually(t, func() bool { return ran.Load() == 4 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Inflight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolSubmitNeverBlocksWhenSaturated(t *testing.T) {
	p := NewPool(task.ProtocolObjectStore, Config{Size: 1}, nil, zap.NewNop())
	p.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	blocking := Job{
		TaskID:   "blocking",
		Protocol: task.ProtocolObjectStore,
		Run: func(context.Context, *Slot) error {
			close(started)
			<-release
			return nil
		},
	}

	submit(t, p, blocking)
	<-started
	assert.Equal(t, 1, p.Inflight())

	done := make(chan error, 1)
	go func() {
		done <- p.Submit(Job{TaskID: "second", Run: func(context.Context, *Slot) error { return nil }})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, xerrors.ErrBusy)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a saturated pool")
	}

	close(release)
	p.Stop()
}

func TestKeptSlotOutlivesTheJob(t *testing.T) {
	p := NewPool(task.ProtocolAcceleratedUDP, Config{Size: 1}, metrics.New(nil), zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	kept := make(chan *Slot, 1)
	require.NoError(t, p.Submit(Job{
		TaskID:   "background",
		Protocol: task.ProtocolAcceleratedUDP,
		Run: func(_ context.Context, slot *Slot) error {
			slot.Keep()
			kept <- slot
			return nil
		},
	}))

	slot := <-kept
	assert.Never(t, func() bool { return p.Inflight() == 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, p.Submit(Job{TaskID: "next", Run: func(context.Context, *Slot) error { return nil }}), xerrors.ErrBusy)

	slot.Release()
	slot.Release()
	assert.Equal(t, 0, p.Inflight())
	assert.NoError(t, p.Submit(Job{TaskID: "next", Run: func(context.Context, *Slot) error { return nil }}))
}

func TestFailedJobGivesBackKeptSlot(t *testing.T) {
	p := NewPool(task.ProtocolManagedEndpoint, Config{Size: 1}, nil, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	require.NoError(t, p.Submit(Job{TaskID: "refused", Run: func(_ context.Context, slot *Slot) error {
		slot.Keep()
		return xerrors.Newf(xerrors.CodeInternal, "refused")
	}}))

	require.Eventually(t, func() bool { return p.Inflight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(task.ProtocolConsumerDrive, Config{Size: 1}, nil, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	var after atomic.Bool
	require.NoError(t, p.Submit(Job{TaskID: "boom", Run: func(context.Context, *Slot) error { panic("boom") }}))
	submit(t, p, Job{TaskID: "ok", Run: func(context.Context, *Slot) error {
		after.Store(true)
		return nil
	}})

	require.Eventually(t, after.Load, time.Second, 5*time.Millisecond)
}

func TestPoolsRouteByProtocol(t *testing.T) {
	ps := NewPools(map[task.Protocol]int{task.ProtocolAcceleratedUDP: 1}, nil, zap.NewNop())
	ps.Start(context.Background())
	defer ps.Stop()

	var ran atomic.Bool
	require.NoError(t, ps.Submit(Job{
		TaskID:   "a",
		Protocol: task.ProtocolAcceleratedUDP,
		Run: func(context.Context, *Slot) error {
			ran.Store(true)
			return nil
		},
	}))
	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)

	err := ps.Submit(Job{TaskID: "x", Protocol: "CARRIER_PIGEON"})
	assert.ErrorIs(t, err, xerrors.ErrValidation)
	assert.Len(t, ps.Inflight(), len(task.Protocols))
}
