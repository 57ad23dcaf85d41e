package converge

import (
	"context"
	"sync"

	"github.com/convergehq/converge/internal/taskqueue"
	runnerpkg "github.com/convergehq/converge/pkg/runner"
)

// LocalRunner bundles an in-memory System, an in-memory task queue, and a
// Runner to provide a simple local harness for development and debugging.
//
// Typical usage:
//
//	local, _ := converge.NewLocalRunner(converge.Options{})
//	converge.NewFlowType("my-flow").Phase(...).MustRegister(local.System.Orchestrator)
//
//	// Synchronous run (no queue/runner involved):
//	snap, _ := local.System.Orchestrator.Initialize(ctx, scope, "my-flow", input)
//	snap, _ = local.System.Orchestrator.Start(ctx, snap.ID)
//
//	// Asynchronous run:
//	local.StartRunners(2)
//	_ = local.Runner.EnqueueStart(ctx, scope, snap.ID)
//	...
//	local.Stop()
type LocalRunner struct {
	System *System
	Queue  taskqueue.Queue
	Runner *runnerpkg.Runner

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by in-memory stores and an
// in-memory queue. Intended for local development, tests, and simple
// single-process deployments.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	sys, err := NewInMemorySystem(opts)
	if err != nil {
		return nil, err
	}
	q := taskqueue.NewInMemoryQueue(1024)
	return &LocalRunner{
		System: sys,
		Queue:  q,
		Runner: runnerpkg.New(sys.Orchestrator, q),
	}, nil
}

// StartRunners launches n runner goroutines draining the queue. Calling it
// again while running is a no-op.
func (l *LocalRunner) StartRunners(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	if n <= 0 {
		n = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running = true

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_ = l.Runner.Run(ctx, n)
	}()
}

// Stop cancels the runner goroutines and waits for them to exit.
func (l *LocalRunner) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.cancel()
	l.running = false
	l.mu.Unlock()

	l.wg.Wait()
}
