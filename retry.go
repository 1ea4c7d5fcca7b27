package stepflow

import (
	"log/slog"
	"time"

	"github.com/petrijr/stepflow/pkg/worker"
)

// RetryBuilder provides a fluent way to construct the worker retry policy
// for tasks that fail for infrastructure reasons. Workflow steps themselves
// are never retried.
type RetryBuilder struct {
	cfg worker.Config
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{cfg: worker.Config{MaxAttempts: maxAttempts}}
}

// WithBackoff sets the delay before the first retry; each further retry
// waits twice as long as the previous one.
//
// Example:
//
//	Retry(5).WithBackoff(100*time.Millisecond)
func (r RetryBuilder) WithBackoff(initial time.Duration) RetryBuilder {
	c := r.cfg
	c.RetryDelay = initial
	return RetryBuilder{cfg: c}
}

// WithLogger sets the logger workers report task failures to.
func (r RetryBuilder) WithLogger(l *slog.Logger) RetryBuilder {
	c := r.cfg
	c.Logger = l
	return RetryBuilder{cfg: c}
}

// Config returns the worker configuration to pass to NewWorker or a bundle.
func (r RetryBuilder) Config() worker.Config {
	return r.cfg
}
