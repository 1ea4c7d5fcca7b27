// Package worker drives stepflow engines from a task queue.
//
// A Worker dequeues tasks and hands them to an api.Runner:
//
//   - run-instance: run the step loop of a workflow instance
//   - timer-wake: continue an instance whose timer step is due
//   - approval-timeout: apply the deadline rule to an approval step
//
// Workers hold no state of their own. Any number of them can consume the
// same queue, in one process or several; the engine serializes work on an
// instance with a lease stored next to the instance.
//
// Tasks that fail for infrastructure reasons (a store or queue error) are
// re-enqueued with exponential backoff up to Config.MaxAttempts. Failures
// that reflect instance state, such as a deadline for an approval that has
// already been decided, are logged and dropped.
//
// Most applications do not construct workers directly; the stepflow
// package's LocalRunner and the stepflow serve command start a pool of
// them.
package worker
