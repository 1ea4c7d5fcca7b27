package stepflow

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/resolver"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/worker"
)

// LocalRunner bundles an in-memory engine, an in-memory task queue, and a
// Worker to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := stepflow.NewLocalRunner(nil)
//	def := stepflow.New("my-flow").Document("d", "doc", "hi").MustCreate(ctx, runner.Engine)
//
//	_ = runner.StartWorkers(ctx, 2)
//	inst, _ := stepflow.Start(ctx, runner.Engine, def.ID, nil, "alice")
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Orchestrator

	// Queue is the in-memory task queue used by the Worker.
	Queue Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine
// and queue. dir answers approver lookups; nil means no users or roles.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(dir Directory) *LocalRunner {
	q := taskqueue.NewInMemoryQueue()
	eng := NewEngine(EngineConfig{
		Store:    persistence.NewInMemoryStore(),
		Queue:    q,
		Resolver: resolver.New(dir),
	})
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.New(eng, q),
	}
}

// StartWorkers starts 'concurrency' worker goroutines that process tasks
// until Stop is called or ctx is cancelled.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			err := r.Worker.Run(gctx)
			// Cancellation is the normal shutdown signal.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		})
	}

	r.cancel = cancel
	r.group = g
	r.running = true
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, g := r.cancel, r.group
	r.running = false
	r.cancel, r.group = nil, nil
	r.mu.Unlock()

	cancel()
	return g.Wait()
}
