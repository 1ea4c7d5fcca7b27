// Package bridge turns engine callbacks into audit records, live broadcasts
// and user notifications.
//
// Every side effect here is best-effort: failures are logged and never
// returned to the engine.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// Topics used for broadcasts.
const (
	TopicAllWorkflowEvents = "workflow.events"
	topicWorkflowPrefix    = "workflow."
	topicApprovalPrefix    = "approval."
)

// WorkflowTopic is the per-instance workflow topic.
func WorkflowTopic(instanceID string) string { return topicWorkflowPrefix + instanceID }

// ApprovalTopic is the per-instance approval topic.
func ApprovalTopic(instanceID string) string { return topicApprovalPrefix + instanceID }

// Event is the envelope published to subscribers.
type Event struct {
	Type         string         `json:"type"`
	InstanceID   string         `json:"instanceId"`
	DefinitionID string         `json:"definitionId,omitempty"`
	Status       string         `json:"status,omitempty"`
	Step         int            `json:"step,omitempty"`
	StepID       string         `json:"stepId,omitempty"`
	ActorID      string         `json:"actorId,omitempty"`
	Error        string         `json:"error,omitempty"`
	At           time.Time      `json:"at"`
	Data         map[string]any `json:"data,omitempty"`
}

// Bridge implements api.Observer on top of the collaborator contracts.
type Bridge struct {
	logger    *slog.Logger
	auditor   api.Auditor
	publisher api.Publisher
	notifier  api.Notifier
	now       func() time.Time
}

var _ api.Observer = (*Bridge)(nil)

// Option customizes a Bridge.
type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

func WithAuditor(a api.Auditor) Option { return func(b *Bridge) { b.auditor = a } }

func WithPublisher(p api.Publisher) Option { return func(b *Bridge) { b.publisher = p } }

func WithNotifier(n api.Notifier) Option { return func(b *Bridge) { b.notifier = n } }

// New creates a Bridge. Unset collaborators default to no-ops.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		logger:    slog.Default(),
		auditor:   api.NoopAuditor{},
		publisher: api.NoopPublisher{},
		notifier:  api.NoopNotifier{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

func (b *Bridge) audit(ctx context.Context, eventType, entityID string, details map[string]any) {
	if err := b.auditor.Audit(ctx, eventType, entityID, details); err != nil {
		b.logger.WarnContext(ctx, "audit_failed",
			slog.String("event_type", eventType),
			slog.String("entity_id", entityID),
			slog.Any("error", err),
		)
	}
}

func (b *Bridge) publish(ctx context.Context, ev Event, topics ...string) {
	for _, topic := range topics {
		if err := b.publisher.Publish(ctx, topic, ev); err != nil {
			b.logger.WarnContext(ctx, "publish_failed",
				slog.String("topic", topic),
				slog.String("event_type", ev.Type),
				slog.Any("error", err),
			)
		}
	}
}

func (b *Bridge) workflowEvent(ctx context.Context, typ api.EventType, inst *api.WorkflowInstance, errText string, data map[string]any) {
	ev := Event{
		Type:         string(typ),
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       string(inst.Status),
		Step:         inst.CurrentStep,
		Error:        errText,
		At:           b.now().UTC(),
		Data:         data,
	}
	details := map[string]any{
		"definitionId": inst.DefinitionID,
		"status":       string(inst.Status),
		"currentStep":  inst.CurrentStep,
	}
	if errText != "" {
		details["error"] = errText
	}
	b.audit(ctx, string(typ), inst.ID, details)
	b.publish(ctx, ev, WorkflowTopic(inst.ID), TopicAllWorkflowEvents)
}

func (b *Bridge) OnWorkflowStart(ctx context.Context, inst *api.WorkflowInstance) {
	b.workflowEvent(ctx, api.EventWorkflowStarted, inst, "", map[string]any{"initiatedBy": inst.InitiatedBy})
}

func (b *Bridge) OnWorkflowCompleted(ctx context.Context, inst *api.WorkflowInstance) {
	b.workflowEvent(ctx, api.EventWorkflowCompleted, inst, "", nil)
}

func (b *Bridge) OnWorkflowFailed(ctx context.Context, inst *api.WorkflowInstance, err error) {
	msg := inst.Error
	if err != nil {
		msg = err.Error()
	}
	b.workflowEvent(ctx, api.EventWorkflowFailed, inst, msg, nil)
}

func (b *Bridge) OnWorkflowPaused(ctx context.Context, inst *api.WorkflowInstance) {
	b.workflowEvent(ctx, api.EventWorkflowPaused, inst, "", nil)
}

func (b *Bridge) OnWorkflowResumed(ctx context.Context, inst *api.WorkflowInstance) {
	b.workflowEvent(ctx, api.EventWorkflowResumed, inst, "", nil)
}

// OnStepStart only broadcasts; step attempts are audited on completion.
func (b *Bridge) OnStepStart(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, stepIndex int) {
	b.publish(ctx, Event{
		Type:         "WORKFLOW_STEP_STARTED",
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       string(inst.Status),
		Step:         stepIndex,
		StepID:       step.ID,
		At:           b.now().UTC(),
	}, WorkflowTopic(inst.ID))
}

func (b *Bridge) OnStepCompleted(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, stepIndex int, err error, d time.Duration) {
	typ := string(api.EventWorkflowStepCompleted)
	details := map[string]any{
		"stepId":     step.ID,
		"stepIndex":  stepIndex,
		"kind":       string(step.Kind),
		"durationMs": d.Milliseconds(),
	}
	ev := Event{
		Type:         typ,
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       string(inst.Status),
		Step:         stepIndex,
		StepID:       step.ID,
		At:           b.now().UTC(),
	}
	if err != nil {
		typ = "WORKFLOW_STEP_FAILED"
		ev.Type = typ
		ev.Error = err.Error()
		details["error"] = err.Error()
	}
	b.audit(ctx, typ, inst.ID, details)
	b.publish(ctx, ev, WorkflowTopic(inst.ID), TopicAllWorkflowEvents)
}

func (b *Bridge) OnApprovalAction(ctx context.Context, inst *api.ApprovalInstance, action api.ApprovalAction) {
	details := map[string]any{
		"requestId":   inst.RequestID,
		"requestType": inst.RequestType,
		"action":      string(action.Action),
		"actorId":     action.ActorID,
		"stepNumber":  action.StepNumber,
		"status":      string(inst.Status),
	}
	if action.Comments != "" {
		details["comments"] = action.Comments
	}
	b.audit(ctx, "APPROVAL_"+string(action.Action), inst.ID, details)
	b.publish(ctx, Event{
		Type:       "APPROVAL_" + string(action.Action),
		InstanceID: inst.ID,
		Status:     string(inst.Status),
		Step:       inst.CurrentStep,
		ActorID:    action.ActorID,
		At:         action.CreatedAt.UTC(),
		Data:       action.Details,
	}, ApprovalTopic(inst.ID))
}

// NotifyUsers sends an email notification to each recipient. Failures are
// logged per recipient.
func (b *Bridge) NotifyUsers(ctx context.Context, recipients []string, subject, body string) {
	for _, r := range recipients {
		if err := b.notifier.Notify(ctx, "email", r, subject, body); err != nil {
			b.logger.WarnContext(ctx, "notify_failed",
				slog.String("recipient", r),
				slog.String("subject", subject),
				slog.Any("error", err),
			)
		}
	}
}
