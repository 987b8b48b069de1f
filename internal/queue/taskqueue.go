package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/simbatch/queued/pkg/types"
)

var (
	// ErrNoSuchTask indicates an id that is not in the processing set.
	ErrNoSuchTask = errors.New("no such task")
	// ErrDuplicateTask indicates an id that is already in the processing set.
	ErrDuplicateTask = errors.New("task already processing")
)

// TaskQueue is the broker's dual structure: a FIFO of ready tasks plus a set
// of processing tasks keyed by id, each carrying its last heartbeat time.
// Every exported operation is individually atomic; a task admitted to the
// queue is always in exactly one of the two structures.
type TaskQueue struct {
	mu         sync.Mutex
	ready      []*types.Task
	processing map[types.TaskID]*types.Task
}

// NewTaskQueue returns an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		processing: make(map[types.TaskID]*types.Task),
	}
}

// EnqueueReady appends the task to the tail of the ready queue.
func (q *TaskQueue) EnqueueReady(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.EnqueuedAt = time.Now()
	q.ready = append(q.ready, task)
}

// DequeueReady removes and returns the head of the ready queue. The second
// return value is false when the queue is empty.
func (q *TaskQueue) DequeueReady() (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *TaskQueue) dequeueLocked() (*types.Task, bool) {
	if len(q.ready) == 0 {
		return nil, false
	}
	task := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	return task, true
}

// ReadyLen returns the number of ready tasks.
func (q *TaskQueue) ReadyLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// ProcessingLen returns the number of processing tasks.
func (q *TaskQueue) ProcessingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

// DispatchNext pops the head of the ready queue and moves it into the
// processing set in one critical section, so a task handed to one worker is
// never observable as ready by another. Returns false when nothing is ready.
func (q *TaskQueue) DispatchNext() (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.dequeueLocked()
	if !ok {
		return nil, false
	}
	task.LastHeartbeatAt = time.Now()
	q.processing[task.ID] = task
	return task, true
}

// MoveToProcessing inserts the task into the processing set with a fresh
// heartbeat stamp. Fails with ErrDuplicateTask if the id is already present.
func (q *TaskQueue) MoveToProcessing(task *types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.processing[task.ID]; exists {
		return ErrDuplicateTask
	}
	task.LastHeartbeatAt = time.Now()
	q.processing[task.ID] = task
	return nil
}

// TouchProcessing refreshes the heartbeat stamp of a processing task.
func (q *TaskQueue) TouchProcessing(id types.TaskID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.processing[id]
	if !ok {
		return ErrNoSuchTask
	}
	task.LastHeartbeatAt = time.Now()
	return nil
}

// HasProcessing reports whether the id is in the processing set.
func (q *TaskQueue) HasProcessing(id types.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.processing[id]
	return ok
}

// PullProcessing removes and returns the processing task with the given id.
func (q *TaskQueue) PullProcessing(id types.TaskID) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.processing[id]
	if !ok {
		return nil, ErrNoSuchTask
	}
	delete(q.processing, id)
	return task, nil
}

// PullStaleProcessing removes and returns every processing task whose last
// heartbeat is strictly older than cutoff.
func (q *TaskQueue) PullStaleProcessing(cutoff time.Time) []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stale []*types.Task
	for id, task := range q.processing {
		if task.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, task)
			delete(q.processing, id)
		}
	}
	return stale
}
