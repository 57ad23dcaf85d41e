// Package taskqueue provides the async task queue that feeds flow work to
// runners. Backends share FIFO semantics ordered by eligibility time.
package taskqueue

import (
	"context"
	"time"

	"github.com/convergehq/converge/pkg/api"
)

// TaskType identifies what the runner should do with a task.
type TaskType string

const (
	// TaskTypeStartFlow starts an initialized flow instance.
	TaskTypeStartFlow TaskType = "start-flow"

	// TaskTypeResumeFlow resumes a paused flow with user input.
	TaskTypeResumeFlow TaskType = "resume-flow"

	// TaskTypeRetryPhase re-executes the current phase of a failed flow.
	TaskTypeRetryPhase TaskType = "retry-phase"
)

// Task is one unit of flow work.
type Task struct {
	ID   string
	Type TaskType

	FlowID string

	// Scope is carried so runners can enforce tenant isolation without a
	// flow lookup.
	Scope api.TenantScope

	// Payload is task-type specific: the resume input for resume-flow,
	// unused otherwise. Concrete types must be gob-registered.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task is eligible for
	// processing. Zero means immediately.
	NotBefore time.Time

	// Attempts counts prior deliveries of this task.
	Attempts int
}

// Queue is the async task queue contract.
type Queue interface {
	// Enqueue adds a task, respecting ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until
	// one is available or ctx is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of queued tasks.
	Len() int
}
