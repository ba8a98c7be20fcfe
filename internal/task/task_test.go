package task

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Now()

	for i := 0; i < 500; i++ {
		tk := &Task{State: StateReceived}
		for step := 0; step < 6; step++ {
			from := tk.State
			to := States[rng.Intn(len(States))]
			err := tk.Transition(to, "boom", now)
			if CanTransition(from, to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, tk.State)
			} else {
				var te *TransitionError
				require.ErrorAs(t, err, &te, "%s -> %s", from, to)
				assert.Equal(t, from, tk.State, "rejected transition must not mutate")
			}
		}
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range States {
		if !s.Terminal() {
			continue
		}
		for _, to := range States {
			assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
}

func TestNoEdgeSkipsInProgressExceptFailure(t *testing.T) {
	assert.False(t, CanTransition(StateReceived, StateCompleted))
	assert.True(t, CanTransition(StateReceived, StateFailed))
	assert.True(t, CanTransition(StateReceived, StateCancelled))
	assert.False(t, CanTransition(StateInProgress, StateReceived), "recovery is not a regular edge")
}

func TestErrorMessageOnlyOnFailed(t *testing.T) {
	tk := &Task{State: StateReceived}
	require.NoError(t, tk.Transition(StateInProgress, "ignored", time.Now()))
	assert.Empty(t, tk.ErrorMessage)

	require.NoError(t, tk.Transition(StateFailed, "", time.Now()))
	assert.NotEmpty(t, tk.ErrorMessage)
}

func TestRecordProgressMonotonicAndBounded(t *testing.T) {
	now := time.Now()
	tk := &Task{State: StateInProgress, TotalSize: 100}

	assert.True(t, tk.RecordProgress(40, now))
	assert.False(t, tk.RecordProgress(30, now))
	assert.Equal(t, int64(40), tk.BytesTransferred)

	assert.True(t, tk.RecordProgress(250, now))
	assert.Equal(t, int64(100), tk.BytesTransferred)

	done := &Task{State: StateCompleted, BytesTransferred: 10}
	assert.False(t, done.RecordProgress(20, now))
}

func TestRecover(t *testing.T) {
	now := time.Now()
	tk := &Task{State: StateInProgress, AssignedServerID: "srv-1", BytesTransferred: 5, RemoteTaskID: "r"}
	require.NoError(t, tk.Recover(now))
	assert.Equal(t, StateReceived, tk.State)
	assert.Empty(t, tk.AssignedServerID)
	assert.Zero(t, tk.BytesTransferred)

	assert.Error(t, tk.Recover(now), "second recovery must be rejected")
}

func TestStalled(t *testing.T) {
	now := time.Now()
	tk := &Task{State: StateInProgress, LastProgressAt: now.Add(-3 * time.Hour)}
	assert.True(t, tk.Stalled(2*time.Hour, now))
	assert.False(t, tk.Stalled(4*time.Hour, now))
	assert.False(t, tk.Stalled(0, now))

	tk.State = StateCancelled
	assert.False(t, tk.Stalled(time.Minute, now))
}

func TestLocationValidate(t *testing.T) {
	assert.NoError(t, Location{ContainerID: "bucket", Path: "a/b.dat"}.Validate())
	assert.Error(t, Location{Path: "a"}.Validate())
	assert.Error(t, Location{ContainerID: "b"}.Validate())
	assert.Error(t, Location{ContainerID: "b", Path: "a/../../etc"}.Validate())
}

func TestLocationJoin(t *testing.T) {
	l := Location{ContainerID: "b", Path: "dest/"}
	assert.Equal(t, "dest/x/y", l.Join("/x/y").Path)
}

func TestKindHelpers(t *testing.T) {
	assert.True(t, KindCollectionDownload.IsBulk())
	assert.False(t, KindDownload.IsBulk())
	assert.Equal(t, KindDownload, KindCollectionDownload.ChildKind())
	assert.Equal(t, KindUpload, KindBulkRegistration.ChildKind())
	assert.Equal(t, KindMetadataMigration, KindCollectionMigration.ChildKind())
	assert.True(t, KindBulkRegistration.AllOrNothing())
	assert.False(t, KindCollectionDownload.AllOrNothing())
	assert.Equal(t, "collection-download", KindCollectionDownload.Slug())
}
