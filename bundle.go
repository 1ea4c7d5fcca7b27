package stepflow

import (
	"context"
	"database/sql"

	workerpkg "github.com/petrijr/stepflow/pkg/worker"
)

// WorkerBundle wires together an engine, a durable task queue, and a Worker
// that consumes tasks from that queue.
type WorkerBundle struct {
	Engine Orchestrator
	Worker *workerpkg.Worker
	Queue  Queue
}

// NewWorker creates a Worker that drives eng from q.
func NewWorker(eng Orchestrator, q Queue, cfg workerpkg.Config) *workerpkg.Worker {
	return workerpkg.NewWithConfig(eng, q, cfg)
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Instances, approvals and queued tasks are
// persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := stepflow.NewSQLiteBundle(ctx, db, stepflow.Retry(3).Config())
//	// create definitions on bundle.Engine, then run bundle.Worker
func NewSQLiteBundle(ctx context.Context, db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, q, err := NewSQLiteEngine(ctx, db)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{Engine: eng, Worker: NewWorker(eng, q, cfg), Queue: q}, nil
}

// NewPostgresBundle is NewSQLiteBundle for PostgreSQL. Several processes
// may run bundles against the same database.
func NewPostgresBundle(ctx context.Context, db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, q, err := NewPostgresEngine(ctx, db)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{Engine: eng, Worker: NewWorker(eng, q, cfg), Queue: q}, nil
}
