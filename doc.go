// Package stepflow provides an embeddable workflow and approval engine for Go.
//
// Stepflow runs two kinds of long-lived processes on one durable store:
//
//   - Workflows: ordered steps (tasks, decisions, integrations, timers)
//     executed one at a time, with pause, resume and cancel.
//   - Approval chains: numbered approval steps decided by users or role
//     members, with delegation, escalation, deadlines and auto-approval.
//
// # Engine
//
// The engine is a controller over a persistence store. It holds no
// per-instance state in memory; every transition is a guarded write, so
// several engines (in one process or many) can share a store safely.
//
// Stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//
// # Workers and the task queue
//
// Starting an instance does not run it. The engine enqueues a task and a
// Worker picks it up. Timer steps and approval deadlines are delayed tasks,
// never sleeping goroutines, so a worker is never blocked on a wait:
//
//   - run-instance: run the step loop of an instance
//   - timer-wake: continue an instance whose timer is due
//   - approval-timeout: escalate or reject an undecided approval step
//
// Queues exist for memory, SQLite, Postgres, MongoDB and Redis.
//
// # Defining workflows
//
// FlowBuilder and ApprovalBuilder produce definitions:
//
//	def := stepflow.New("Invoice").
//	    Document("render", "invoice", "Invoice for {{.customer}}").
//	    Decide("route", stepflow.EndPath, stepflow.When("amount > 1000", "notify")).
//	    Email("notify", []string{"finance@example.com"}, "Large invoice", "{{.document}}").
//	    MustCreate(ctx, eng)
//
// Definitions can also be loaded from YAML files (see the stepflow command).
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue and worker pool for
// development and unit tests. It is not crash-durable; use a SQLite or
// Postgres bundle for that, and call RecoverInstances on start.
package stepflow
