package queue

import (
	"sync/atomic"

	"github.com/simbatch/queued/pkg/types"
)

// IDAllocator hands out task ids. Ids are strictly increasing, start at 1,
// and are never reused for the lifetime of the process.
type IDAllocator struct {
	last atomic.Int64
}

// NewIDAllocator returns an allocator whose first Next call yields 1.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{}
}

// Next returns a fresh task id. Safe under concurrent callers.
func (a *IDAllocator) Next() types.TaskID {
	return types.TaskID(a.last.Add(1))
}
