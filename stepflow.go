package stepflow

import (
	"context"
	"database/sql"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	ApprovalEngine       = api.ApprovalEngine
	Orchestrator         = api.Orchestrator
	WorkflowDefinition   = api.WorkflowDefinition
	StepDefinition       = api.StepDefinition
	StepKind             = api.StepKind
	WorkflowInstance     = api.WorkflowInstance
	WorkflowEvent        = api.WorkflowEvent
	StepExecution        = api.StepExecution
	InstanceListOptions  = api.InstanceListOptions
	AnalyticsQuery       = api.AnalyticsQuery
	Analytics            = api.Analytics
	Status               = api.Status
	ApprovalWorkflow     = api.ApprovalWorkflow
	ApprovalStep         = api.ApprovalStep
	ApprovalInstance     = api.ApprovalInstance
	ApprovalAction       = api.ApprovalAction
	ApprovalStatus       = api.ApprovalStatus
	ActionType           = api.ActionType
	Directory            = api.Directory
	User                 = api.User
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	Queue                = taskqueue.Queue
	EngineConfig         = engine.Config
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status and action values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusPaused    = api.StatusPaused
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed

	ApprovalPending  = api.ApprovalPending
	ApprovalApproved = api.ApprovalApproved
	ApprovalRejected = api.ApprovalRejected

	ActionApprove  = api.ActionApprove
	ActionReject   = api.ActionReject
	ActionDelegate = api.ActionDelegate
	ActionEscalate = api.ActionEscalate
	ActionComment  = api.ActionComment
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewEngine returns an engine built from cfg.
func NewEngine(cfg EngineConfig) Orchestrator {
	return engine.NewEngineWithConfig(cfg)
}

// NewInMemoryEngine returns an engine backed entirely by in-memory state
// that schedules its work on q.
func NewInMemoryEngine(q Queue) Orchestrator {
	return engine.NewInMemoryEngine(q)
}

// NewInMemoryQueue returns a process-local task queue.
func NewInMemoryQueue() Queue {
	return taskqueue.NewInMemoryQueue()
}

// NewSQLiteEngine returns an engine and task queue that both persist in db.
func NewSQLiteEngine(ctx context.Context, db *sql.DB) (Orchestrator, Queue, error) {
	return engine.NewSQLiteEngine(ctx, db)
}

// NewPostgresEngine returns an engine and task queue that both persist in db.
func NewPostgresEngine(ctx context.Context, db *sql.DB) (Orchestrator, Queue, error) {
	return engine.NewPostgresEngine(ctx, db)
}

// Convenience helpers that just forward to the underlying engine.

// Start starts an instance of a stored definition.
func Start(ctx context.Context, eng Engine, definitionID string, variables map[string]any, initiatedBy string) (*WorkflowInstance, error) {
	return eng.StartInstance(ctx, definitionID, variables, initiatedBy)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstanceStatus(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// Approve records an APPROVE decision by approverID.
func Approve(ctx context.Context, eng ApprovalEngine, instanceID, approverID, comments string) (*ApprovalInstance, error) {
	return eng.ProcessDecision(ctx, instanceID, ActionApprove, approverID, comments)
}

// Reject records a REJECT decision by approverID.
func Reject(ctx context.Context, eng ApprovalEngine, instanceID, approverID, comments string) (*ApprovalInstance, error) {
	return eng.ProcessDecision(ctx, instanceID, ActionReject, approverID, comments)
}

// RecoverInstances delegates to eng.RecoverInstances.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := stepflow.RecoverInstances(ctx, engine)
func RecoverInstances(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverInstances(ctx)
}
