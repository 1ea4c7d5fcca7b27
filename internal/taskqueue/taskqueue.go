// Package taskqueue schedules engine work: instance runs, timer wake-ups and
// approval deadlines. Delayed work is expressed with Task.NotBefore and is
// never a blocking wait inside a worker.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeRunInstance runs the step loop of a workflow instance.
	TaskTypeRunInstance TaskType = "run-instance"
	// TaskTypeTimerWake fires the pending timer step of a workflow instance.
	TaskTypeTimerWake TaskType = "timer-wake"
	// TaskTypeApprovalTimeout applies the deadline rule to an approval step.
	TaskTypeApprovalTimeout TaskType = "approval-timeout"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID         string
	Type       TaskType
	InstanceID string

	// StepNumber and Escalated identify the approval step state a deadline
	// was scheduled for. A deadline whose state no longer matches is stale.
	StepNumber int
	Escalated  bool

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Attempts counts how often the task was re-enqueued because its
	// instance was busy.
	Attempts int
}

// NewTask returns a task with a fresh ID.
func NewTask(typ TaskType, instanceID string, notBefore time.Time) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       typ,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
		NotBefore:  notBefore,
	}
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, due or not.
	Len() int
}

func normalize(t Task) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}
