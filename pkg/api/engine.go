package api

import (
	"context"
	"time"
)

// Engine drives generic automation workflows.
type Engine interface {
	// CreateDefinition validates and stores a definition. A definition with
	// an existing name becomes the next version of that name.
	CreateDefinition(ctx context.Context, def WorkflowDefinition) (*WorkflowDefinition, error)

	// GetDefinition returns a stored definition by ID.
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)

	// DeactivateDefinition stops new instances from being started from id.
	DeactivateDefinition(ctx context.Context, id string) error

	// StartInstance creates a RUNNING instance and schedules it for
	// execution. It returns without waiting for any step to run.
	StartInstance(ctx context.Context, definitionID string, variables map[string]any, initiatedBy string) (*WorkflowInstance, error)

	// GetInstanceStatus looks up an instance by ID.
	GetInstanceStatus(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns instances matching opts.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// PauseInstance stops a RUNNING instance before its next step.
	PauseInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ResumeInstance continues a PAUSED instance from currentStep+1.
	ResumeInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// CancelInstance moves a RUNNING or PAUSED instance to FAILED.
	CancelInstance(ctx context.Context, id string, actor string) (*WorkflowInstance, error)

	// GetAnalytics aggregates instance outcomes.
	GetAnalytics(ctx context.Context, q AnalyticsQuery) (*Analytics, error)

	// ListEvents returns the lifecycle events of an instance in order.
	ListEvents(ctx context.Context, instanceID string) ([]WorkflowEvent, error)

	// ListStepExecutions returns the step attempt log of an instance.
	ListStepExecutions(ctx context.Context, instanceID string) ([]StepExecution, error)

	// RecoverInstances re-schedules RUNNING instances after a restart and
	// returns how many were re-scheduled.
	RecoverInstances(ctx context.Context) (int, error)

	// PurgeBefore deletes terminal instances completed before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ApprovalEngine drives approval chains.
type ApprovalEngine interface {
	CreateApprovalWorkflow(ctx context.Context, wf ApprovalWorkflow) (*ApprovalWorkflow, error)

	InitiateApproval(ctx context.Context, requestID, requestType string, metadata map[string]any, initiatedBy string) (*ApprovalInstance, error)

	GetApprovalInstance(ctx context.Context, id string) (*ApprovalInstance, error)

	// GetPendingApprovals returns the PENDING instances the user may act on.
	GetPendingApprovals(ctx context.Context, userID string) ([]*ApprovalInstance, error)

	ProcessDecision(ctx context.Context, instanceID string, action ActionType, approverID, comments string) (*ApprovalInstance, error)

	DelegateApproval(ctx context.Context, instanceID, fromUserID, toUserID, reason string) (*ApprovalInstance, error)

	// GetApprovalHistory returns the decision log in append order.
	GetApprovalHistory(ctx context.Context, instanceID string) ([]ApprovalAction, error)
}

// Runner is implemented by engines so workers can execute queued work
// without re-enqueueing it.
type Runner interface {
	// RunInstance runs the step loop of an existing instance.
	RunInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// WakeTimer fires a pending timer step and continues the step loop.
	WakeTimer(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// HandleApprovalTimeout injects the deadline decision for a step. It is
	// a no-op when the instance has moved past stepNumber or its escalation
	// state differs from escalated.
	HandleApprovalTimeout(ctx context.Context, instanceID string, stepNumber int, escalated bool) (*ApprovalInstance, error)
}

// Orchestrator is the full surface of an engine: both controllers plus the
// entry points used by workers.
type Orchestrator interface {
	Engine
	ApprovalEngine
	Runner
}
