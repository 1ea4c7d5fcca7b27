package api

import (
	"fmt"
	"time"
)

// SystemActor is the actor recorded for decisions the engine makes itself
// (auto-approval, deadline escalation).
const SystemActor = "system"

// ApprovalStatus is the lifecycle state of an approval instance.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ActionType is a decision recorded against an approval step.
type ActionType string

const (
	ActionApprove  ActionType = "APPROVE"
	ActionReject   ActionType = "REJECT"
	ActionDelegate ActionType = "DELEGATE"
	ActionEscalate ActionType = "ESCALATE"
	ActionComment  ActionType = "COMMENT"
)

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionDelegate, ActionEscalate, ActionComment:
		return true
	}
	return false
}

// ApprovalStep is one gate of an approval chain.
type ApprovalStep struct {
	StepNumber     int    `json:"stepNumber" yaml:"stepNumber"`
	ApproverUserID string `json:"approverUserId,omitempty" yaml:"approverUserId,omitempty"`
	ApproverRole   string `json:"approverRole,omitempty" yaml:"approverRole,omitempty"`
	EscalationRole string `json:"escalationRole,omitempty" yaml:"escalationRole,omitempty"`
	TimeoutHours   int    `json:"timeoutHours,omitempty" yaml:"timeoutHours,omitempty"`
}

// ApprovalWorkflow is the template for approval instances of one request type.
type ApprovalWorkflow struct {
	ID                string         `json:"id" yaml:"id,omitempty"`
	Name              string         `json:"name" yaml:"name"`
	RequestType       string         `json:"requestType" yaml:"requestType"`
	Steps             []ApprovalStep `json:"steps" yaml:"steps"`
	AutoApprovalRules map[string]any `json:"autoApprovalRules,omitempty" yaml:"autoApprovalRules,omitempty"`
	IsActive          bool           `json:"isActive" yaml:"isActive"`
	CreatedAt         time.Time      `json:"createdAt" yaml:"-"`
}

// Validate checks step numbering and approver exclusivity.
func (w ApprovalWorkflow) Validate() error {
	if w.RequestType == "" {
		return fmt.Errorf("%w: requestType is required", ErrInvalidDefinition)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: approval workflow must have at least one step", ErrInvalidDefinition)
	}
	for i, s := range w.Steps {
		if s.StepNumber != i+1 {
			return fmt.Errorf("%w: step numbers must start at 1 and increase by one (got %d at position %d)",
				ErrInvalidDefinition, s.StepNumber, i+1)
		}
		if s.ApproverUserID != "" && s.ApproverRole != "" {
			return fmt.Errorf("%w: step %d sets both approverUserId and approverRole", ErrInvalidDefinition, s.StepNumber)
		}
		if s.TimeoutHours < 0 {
			return fmt.Errorf("%w: step %d has negative timeoutHours", ErrInvalidDefinition, s.StepNumber)
		}
	}
	return nil
}

// StepAssignment is the per-instance, mutable view of an ApprovalStep.
//
// Escalation does not overwrite ApproverRole; it records EscalatedRole and
// the effective approver is derived from both.
type StepAssignment struct {
	StepNumber     int    `json:"stepNumber"`
	ApproverUserID string `json:"approverUserId,omitempty"`
	ApproverRole   string `json:"approverRole,omitempty"`
	EscalationRole string `json:"escalationRole,omitempty"`
	EscalatedRole  string `json:"escalatedRole,omitempty"`
	TimeoutHours   int    `json:"timeoutHours,omitempty"`
}

// EffectiveUser is the specific user who may act, if any. Escalation
// overrides a specific user.
func (a StepAssignment) EffectiveUser() string {
	if a.EscalatedRole != "" {
		return ""
	}
	return a.ApproverUserID
}

// EffectiveRole is the role whose members may act, if any.
func (a StepAssignment) EffectiveRole() string {
	if a.EscalatedRole != "" {
		return a.EscalatedRole
	}
	if a.ApproverUserID != "" {
		return ""
	}
	return a.ApproverRole
}

// Unassigned reports whether any actor may act on the step.
func (a StepAssignment) Unassigned() bool {
	return a.EffectiveUser() == "" && a.EffectiveRole() == ""
}

// Escalated reports whether the escalation override is in effect.
func (a StepAssignment) Escalated() bool {
	return a.EscalatedRole != ""
}

// AssignmentsFromSteps builds the initial assignments for a new instance.
func AssignmentsFromSteps(steps []ApprovalStep) []StepAssignment {
	out := make([]StepAssignment, 0, len(steps))
	for _, s := range steps {
		out = append(out, StepAssignment{
			StepNumber:     s.StepNumber,
			ApproverUserID: s.ApproverUserID,
			ApproverRole:   s.ApproverRole,
			EscalationRole: s.EscalationRole,
			TimeoutHours:   s.TimeoutHours,
		})
	}
	return out
}

// ApprovalInstance is one approval chain run for a request.
type ApprovalInstance struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflowId"`
	RequestID   string           `json:"requestId"`
	RequestType string           `json:"requestType"`
	Status      ApprovalStatus   `json:"status"`
	CurrentStep int              `json:"currentStep"`
	Metadata    map[string]any   `json:"metadata"`
	Assignments []StepAssignment `json:"assignments"`
	InitiatedBy string           `json:"initiatedBy"`
	InitiatedAt time.Time        `json:"initiatedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Version     int64            `json:"version"`
}

// Assignment returns the assignment for stepNumber, or nil.
func (i *ApprovalInstance) Assignment(stepNumber int) *StepAssignment {
	for idx := range i.Assignments {
		if i.Assignments[idx].StepNumber == stepNumber {
			return &i.Assignments[idx]
		}
	}
	return nil
}

// CurrentAssignment returns the assignment of the current step, or nil.
func (i *ApprovalInstance) CurrentAssignment() *StepAssignment {
	return i.Assignment(i.CurrentStep)
}

// Clone returns a deep enough copy to mutate assignments and metadata safely.
func (i *ApprovalInstance) Clone() *ApprovalInstance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Metadata = CloneMap(i.Metadata)
	cp.Assignments = append([]StepAssignment(nil), i.Assignments...)
	return &cp
}

// ApprovalAction is an append-only decision row. Rows are never mutated.
type ApprovalAction struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instanceId"`
	StepNumber int            `json:"stepNumber"`
	Action     ActionType     `json:"action"`
	ActorID    string         `json:"actorId"`
	Comments   string         `json:"comments,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
