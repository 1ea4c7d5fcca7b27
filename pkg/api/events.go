package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted        EventType = "WORKFLOW_STARTED"
	EventWorkflowStepCompleted  EventType = "WORKFLOW_STEP_COMPLETED"
	EventWorkflowCompleted      EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed         EventType = "WORKFLOW_FAILED"
	EventWorkflowPaused         EventType = "WORKFLOW_PAUSED"
	EventWorkflowResumed        EventType = "WORKFLOW_RESUMED"
	EventWorkflowTimerScheduled EventType = "WORKFLOW_TIMER_SCHEDULED"
)

// WorkflowEvent is an append-only lifecycle record. It serves both the
// audit trail and live subscribers.
type WorkflowEvent struct {
	ID           int64          `json:"id"`
	InstanceID   string         `json:"instanceId"`
	DefinitionID string         `json:"definitionId"`
	Type         EventType      `json:"type"`
	At           time.Time      `json:"at"`
	Step         int            `json:"step"`
	Payload      map[string]any `json:"payload,omitempty"`
}
