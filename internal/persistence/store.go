package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a guarded update lost a race: the stored
	// row no longer matches the expected step, status or version.
	ErrConflict = errors.New("concurrent modification")
)

// DefinitionStore handles storage of workflow definitions.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error)
	// LatestDefinitionVersion returns the highest stored version for name,
	// or 0 when none exists.
	LatestDefinitionVersion(ctx context.Context, name string) (int, error)
	ListDefinitions(ctx context.Context) ([]api.WorkflowDefinition, error)
	SetDefinitionActive(ctx context.Context, id string, active bool) error
}

// ApprovalWorkflowStore handles storage of approval workflow templates.
type ApprovalWorkflowStore interface {
	// SaveApprovalWorkflow stores wf. If wf is active, every other active
	// workflow for the same request type is deactivated in the same
	// transaction.
	SaveApprovalWorkflow(ctx context.Context, wf api.ApprovalWorkflow) error
	GetApprovalWorkflow(ctx context.Context, id string) (api.ApprovalWorkflow, error)
	// ActiveApprovalWorkflow returns the active workflow for requestType.
	ActiveApprovalWorkflow(ctx context.Context, requestType string) (api.ApprovalWorkflow, error)
}

// InstanceFilter is used to select instances from the store.
// Zero values mean "no filter" for that field. From and To bound
// initiated_at (inclusive, exclusive).
type InstanceFilter struct {
	DefinitionID string
	Status       api.Status
	From         time.Time
	To           time.Time
}

// Advance moves an instance from ExpectedStep to ExpectedStep+1 and closes
// the step execution row that produced the move.
type Advance struct {
	InstanceID   string
	ExpectedStep int
	Variables    map[string]any
	Execution    api.StepExecution
	Event        api.WorkflowEvent
}

// Transition changes the status of an instance whose stored status is one
// of From. Execution, when set, is closed in the same transaction.
type Transition struct {
	InstanceID  string
	From        []api.Status
	To          api.Status
	Error       string
	CompletedAt *time.Time
	Execution   *api.StepExecution
	Event       *api.WorkflowEvent
}

// InstanceStore handles storage of workflow instances. Every mutation is
// guarded; a guard that does not hold yields ErrConflict.
type InstanceStore interface {
	// CreateInstance inserts inst together with its WORKFLOW_STARTED event.
	CreateInstance(ctx context.Context, inst *api.WorkflowInstance, started api.WorkflowEvent) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)

	// AdvanceStep applies a (compare-and-set on current_step, status RUNNING
	// or PAUSED) and returns the stored instance.
	AdvanceStep(ctx context.Context, a Advance) (*api.WorkflowInstance, error)
	// Transition applies t and returns the stored instance.
	Transition(ctx context.Context, t Transition) (*api.WorkflowInstance, error)
	// ScheduleTimer records wakeAt while the instance is still at
	// expectedStep and not terminal.
	ScheduleTimer(ctx context.Context, instanceID string, expectedStep int, wakeAt time.Time, ev api.WorkflowEvent) error
	// DeleteInstancesBefore removes terminal instances completed before
	// cutoff, including their step executions and events.
	DeleteInstancesBefore(ctx context.Context, cutoff time.Time) (int, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an instance.
	// If the instance is currently leased by another owner and the lease has not expired,
	// it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// StepExecutionStore keeps the per-attempt step log.
type StepExecutionStore interface {
	StartStepExecution(ctx context.Context, exec api.StepExecution) error
	FinishStepExecution(ctx context.Context, exec api.StepExecution) error
	// OpenStepExecution returns the RUNNING row for stepID, or ErrNotFound.
	OpenStepExecution(ctx context.Context, instanceID, stepID string) (*api.StepExecution, error)
	ListStepExecutions(ctx context.Context, instanceID string) ([]api.StepExecution, error)
}

// ApprovalStore handles approval instances and their action log.
type ApprovalStore interface {
	// CreateApprovalInstance inserts inst and any initial actions.
	CreateApprovalInstance(ctx context.Context, inst *api.ApprovalInstance, actions ...api.ApprovalAction) error
	GetApprovalInstance(ctx context.Context, id string) (*api.ApprovalInstance, error)
	// ListApprovalInstances returns instances with the given status, or all
	// instances when status is empty.
	ListApprovalInstances(ctx context.Context, status api.ApprovalStatus) ([]*api.ApprovalInstance, error)
	// ApplyApprovalAction writes inst and appends action atomically. The
	// stored row must be PENDING at inst.Version; on success inst.Version
	// is incremented.
	ApplyApprovalAction(ctx context.Context, inst *api.ApprovalInstance, action api.ApprovalAction) error
	ListApprovalActions(ctx context.Context, instanceID string) ([]api.ApprovalAction, error)
}

func statusIn(s api.Status, allowed []api.Status) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}
