// Package api holds the types shared by the stepflow engine, its stores and
// its callers.
//
// # Workflows
//
// A WorkflowDefinition is an ordered list of steps. Each step has a kind
// (task, decision, integration, timer) that selects its executor, and a
// free-form config. Definitions are versioned by name: creating a
// definition with an existing name adds a version, it never edits one.
//
// A WorkflowInstance records the last completed step (CurrentStep), the
// variable bag and the lifecycle Status. Step attempts are logged as
// StepExecution rows and lifecycle changes as WorkflowEvent rows.
//
// # Approvals
//
// An ApprovalWorkflow is the chain for one request type. Each instance
// carries its own StepAssignment list, so delegation and escalation change
// who may act on that instance only. Decisions are append-only
// ApprovalAction rows.
//
// # Engines
//
// Engine and ApprovalEngine are the caller-facing controllers. Runner is
// what workers call when they pick a task off the queue. Orchestrator
// combines all three.
//
// # Collaborators
//
// Notifier, Auditor, Publisher and Directory are the outbound and identity
// ports. The engine only depends on these interfaces; Noop
// implementations are provided for each outbound port.
//
// # Observability
//
// Observer receives workflow, step and approval callbacks. LoggingObserver,
// BasicMetrics and CompositeObserver are ready-made implementations.
package api
