package runner

import (
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/convergehq/converge/internal/taskqueue"
	"github.com/convergehq/converge/pkg/api"
)

func init() {
	gob.Register(ResumeInput{})
}

// ResumeInput is the payload for a resume-flow task.
type ResumeInput struct {
	Input any
}

// Runner pulls tasks from a Queue and drives the orchestrator. Multiple
// runners can safely share one queue.
type Runner struct {
	orch  api.Orchestrator
	queue taskqueue.Queue
}

// New creates a new Runner.
func New(orch api.Orchestrator, queue taskqueue.Queue) *Runner {
	return &Runner{
		orch:  orch,
		queue: queue,
	}
}

// EnqueueStart queues a task to start an initialized flow asynchronously.
// The flow itself runs when a runner picks the task up.
func (r *Runner) EnqueueStart(ctx context.Context, scope api.TenantScope, flowID string) error {
	return r.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeStartFlow,
		FlowID:     flowID,
		Scope:      scope,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueStartAt queues a start task that becomes eligible no earlier than
// at.
func (r *Runner) EnqueueStartAt(ctx context.Context, scope api.TenantScope, flowID string, at time.Time) error {
	return r.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeStartFlow,
		FlowID:     flowID,
		Scope:      scope,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// EnqueueResume queues a task to resume a paused flow with user input.
func (r *Runner) EnqueueResume(ctx context.Context, scope api.TenantScope, flowID string, input any) error {
	return r.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeResumeFlow,
		FlowID:     flowID,
		Scope:      scope,
		Payload:    ResumeInput{Input: input},
		EnqueuedAt: time.Now(),
	})
}

// EnqueueRetry queues a task to re-execute the current phase of a failed
// flow.
func (r *Runner) EnqueueRetry(ctx context.Context, scope api.TenantScope, flowID string) error {
	return r.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeRetryPhase,
		FlowID:     flowID,
		Scope:      scope,
		EnqueuedAt: time.Now(),
	})
}

// ProcessOne pulls a single task from the queue and processes it. The first
// return value reports whether a task was obtained; the error reports how
// its handling went.
func (r *Runner) ProcessOne(ctx context.Context) (bool, error) {
	task, err := r.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeStartFlow:
		_, err := r.orch.Start(ctx, task.FlowID)
		return true, err

	case taskqueue.TaskTypeResumeFlow:
		payload, ok := task.Payload.(ResumeInput)
		if !ok {
			return true, errors.New("invalid payload type for resume-flow task")
		}
		_, err := r.orch.Resume(ctx, task.FlowID, payload.Input)
		return true, err

	case taskqueue.TaskTypeRetryPhase:
		_, err := r.orch.RetryPhase(ctx, task.FlowID)
		return true, err

	default:
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

// Run processes tasks with the given concurrency until ctx is cancelled.
// Task handling errors are surfaced per flow through the orchestrator's
// snapshots and events, not through Run's return value.
func (r *Runner) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := r.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					if !processed {
						return err
					}
					// Flow-level failures are recorded on the flow
					// itself; keep draining the queue.
				}
			}
		})
	}
	return g.Wait()
}
