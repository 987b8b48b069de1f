package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbatch/queued/pkg/types"
)

func newTestTask(id int64) *types.Task {
	return types.NewTask(types.TaskID(id), fakePayload{email: "u@x"})
}

func TestTaskQueueFIFO(t *testing.T) {
	q := NewTaskQueue()
	q.EnqueueReady(newTestTask(1))
	q.EnqueueReady(newTestTask(2))
	q.EnqueueReady(newTestTask(3))
	assert.Equal(t, 3, q.ReadyLen())

	for _, want := range []types.TaskID{1, 2, 3} {
		task, ok := q.DequeueReady()
		require.True(t, ok)
		assert.Equal(t, want, task.ID)
	}

	_, ok := q.DequeueReady()
	assert.False(t, ok)
}

func TestTaskQueueDispatchNext(t *testing.T) {
	q := NewTaskQueue()

	_, ok := q.DispatchNext()
	assert.False(t, ok)

	q.EnqueueReady(newTestTask(7))
	task, ok := q.DispatchNext()
	require.True(t, ok)
	assert.Equal(t, types.TaskID(7), task.ID)
	assert.False(t, task.LastHeartbeatAt.IsZero())

	// The task left ready and entered processing in one step.
	assert.Equal(t, 0, q.ReadyLen())
	assert.True(t, q.HasProcessing(7))
}

func TestTaskQueueMoveToProcessingRejectsDuplicate(t *testing.T) {
	q := NewTaskQueue()
	task := newTestTask(4)
	require.NoError(t, q.MoveToProcessing(task))
	assert.ErrorIs(t, q.MoveToProcessing(task), ErrDuplicateTask)
}

func TestTaskQueueTouchProcessing(t *testing.T) {
	q := NewTaskQueue()
	task := newTestTask(5)
	require.NoError(t, q.MoveToProcessing(task))

	before := task.LastHeartbeatAt
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.TouchProcessing(5))
	assert.True(t, task.LastHeartbeatAt.After(before))

	assert.ErrorIs(t, q.TouchProcessing(99), ErrNoSuchTask)
}

func TestTaskQueuePullProcessing(t *testing.T) {
	q := NewTaskQueue()
	task := newTestTask(6)
	require.NoError(t, q.MoveToProcessing(task))

	got, err := q.PullProcessing(6)
	require.NoError(t, err)
	assert.Same(t, task, got)
	assert.False(t, q.HasProcessing(6))

	_, err = q.PullProcessing(6)
	assert.ErrorIs(t, err, ErrNoSuchTask)
}

func TestTaskQueuePullStaleProcessing(t *testing.T) {
	q := NewTaskQueue()
	stale := newTestTask(1)
	live := newTestTask(2)
	require.NoError(t, q.MoveToProcessing(stale))
	require.NoError(t, q.MoveToProcessing(live))

	// Backdate one heartbeat past the cutoff.
	stale.LastHeartbeatAt = time.Now().Add(-time.Minute)

	pulled := q.PullStaleProcessing(time.Now().Add(-time.Second))
	require.Len(t, pulled, 1)
	assert.Equal(t, types.TaskID(1), pulled[0].ID)

	assert.False(t, q.HasProcessing(1))
	assert.True(t, q.HasProcessing(2))

	assert.Empty(t, q.PullStaleProcessing(time.Now().Add(-time.Hour)))
}
