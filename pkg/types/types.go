// Package types defines the core domain model shared by the queue daemon.
package types

import (
	"time"
)

// TaskID uniquely identifies a task for the lifetime of the process.
// IDs are small positive integers handed out by the broker's allocator;
// a recycled task always receives a fresh one.
type TaskID int64

// Email is an outbound message handed to the mail gateway. The broker
// never learns whether delivery succeeded.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Payload is the decoded model request carried by a task. The broker treats
// it as opaque apart from the recipient address, the wire encoding, and the
// rendered failure notice; concrete implementations live in the model
// registry.
type Payload interface {
	// EmailAddress returns the address of the user who submitted the request.
	EmailAddress() string

	// Encode returns the wire representation of the request. The broker
	// overlays its own bookkeeping fields on top before responding.
	Encode() map[string]interface{}

	// FailureEmail renders the notice sent when the task exhausts its
	// failure budget.
	FailureEmail() Email
}

// Task is the broker's bookkeeping record around a payload.
type Task struct {
	ID              TaskID
	Payload         Payload
	FailureCount    int
	EnqueuedAt      time.Time
	LastHeartbeatAt time.Time
}

// NewTask wraps a payload under the given id.
func NewTask(id TaskID, payload Payload) *Task {
	return &Task{
		ID:         id,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
}

// Encode returns the task dict sent to front-ends and workers: the payload
// encoding with the broker-owned taskId and failureCount fields set.
func (t *Task) Encode() map[string]interface{} {
	d := t.Payload.Encode()
	d["taskId"] = int64(t.ID)
	d["failureCount"] = t.FailureCount
	return d
}
