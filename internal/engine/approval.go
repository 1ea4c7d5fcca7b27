package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/condition"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// CreateApprovalWorkflow stores wf as the active workflow for its request
// type, deactivating the previous one.
func (e *engineImpl) CreateApprovalWorkflow(ctx context.Context, wf api.ApprovalWorkflow) (*api.ApprovalWorkflow, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	wf.ID = uuid.NewString()
	wf.IsActive = true
	wf.CreatedAt = e.timestamp()
	if err := e.store.SaveApprovalWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "approval_workflow_created",
		slog.String("workflow_id", wf.ID),
		slog.String("request_type", wf.RequestType),
		slog.Int("steps", len(wf.Steps)),
	)
	return &wf, nil
}

func (e *engineImpl) InitiateApproval(ctx context.Context, requestID, requestType string, metadata map[string]any, initiatedBy string) (*api.ApprovalInstance, error) {
	wf, err := e.store.ActiveApprovalWorkflow(ctx, requestType)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", api.ErrNoWorkflowForType, requestType)
	}
	if err != nil {
		return nil, err
	}

	now := e.timestamp()
	inst := &api.ApprovalInstance{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		RequestID:   requestID,
		RequestType: requestType,
		Status:      api.ApprovalPending,
		CurrentStep: 1,
		Metadata:    api.CloneMap(metadata),
		Assignments: api.AssignmentsFromSteps(wf.Steps),
		InitiatedBy: initiatedBy,
		InitiatedAt: now,
	}

	if condition.MatchAutoApproval(wf.AutoApprovalRules, metadata) {
		inst.Status = api.ApprovalApproved
		inst.CompletedAt = &now
		action := api.ApprovalAction{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			StepNumber: inst.CurrentStep,
			Action:     api.ActionApprove,
			ActorID:    api.SystemActor,
			Comments:   "auto-approved",
			Details:    map[string]any{"autoApproved": true},
			CreatedAt:  now,
		}
		if err := e.store.CreateApprovalInstance(ctx, inst, action); err != nil {
			return nil, err
		}
		e.observer.OnApprovalAction(ctx, inst, action)
		return inst, nil
	}

	if err := e.store.CreateApprovalInstance(ctx, inst); err != nil {
		return nil, err
	}
	if a := inst.CurrentAssignment(); a != nil {
		e.notifyApprovers(ctx, inst, *a)
		e.scheduleDeadline(ctx, inst, *a)
	}
	return inst, nil
}

func (e *engineImpl) GetApprovalInstance(ctx context.Context, id string) (*api.ApprovalInstance, error) {
	inst, err := e.store.GetApprovalInstance(ctx, id)
	if err != nil {
		return nil, mapInstanceErr(err, id)
	}
	return inst, nil
}

func (e *engineImpl) GetPendingApprovals(ctx context.Context, userID string) ([]*api.ApprovalInstance, error) {
	pending, err := e.store.ListApprovalInstances(ctx, api.ApprovalPending)
	if err != nil {
		return nil, err
	}
	return e.resolver.PendingFor(ctx, userID, pending)
}

func (e *engineImpl) GetApprovalHistory(ctx context.Context, instanceID string) ([]api.ApprovalAction, error) {
	if _, err := e.GetApprovalInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListApprovalActions(ctx, instanceID)
}

// ProcessDecision applies an APPROVE, REJECT, ESCALATE or COMMENT from
// approverID. Delegation goes through DelegateApproval.
func (e *engineImpl) ProcessDecision(ctx context.Context, instanceID string, action api.ActionType, approverID, comments string) (*api.ApprovalInstance, error) {
	if !action.Valid() || action == api.ActionDelegate {
		return nil, fmt.Errorf("%w: %q", api.ErrInvalidAction, action)
	}
	inst, err := e.authorize(ctx, instanceID, approverID)
	if err != nil {
		return nil, err
	}
	return e.decide(ctx, inst, action, approverID, comments, nil)
}

// DelegateApproval hands the current step to toUserID. Status and step are
// unchanged.
func (e *engineImpl) DelegateApproval(ctx context.Context, instanceID, fromUserID, toUserID, reason string) (*api.ApprovalInstance, error) {
	if toUserID == "" {
		return nil, fmt.Errorf("%w: delegate is required", api.ErrInvalidAction)
	}
	inst, err := e.authorize(ctx, instanceID, fromUserID)
	if err != nil {
		return nil, err
	}

	updated := inst.Clone()
	a := updated.CurrentAssignment()
	wasEscalated := a.Escalated()
	a.ApproverUserID = toUserID
	a.ApproverRole = ""
	a.EscalatedRole = ""

	row := e.newAction(inst, api.ActionDelegate, fromUserID, reason, map[string]any{"from": fromUserID, "to": toUserID})
	if err := e.apply(ctx, updated, row); err != nil {
		return nil, err
	}
	// The pending escalated deadline no longer matches the step; the
	// delegate gets a fresh one.
	if wasEscalated {
		e.scheduleDeadline(ctx, updated, *a)
	}
	e.notifier.NotifyUsers(ctx, []string{toUserID},
		fmt.Sprintf("Approval delegated: %s %s", inst.RequestType, inst.RequestID),
		fmt.Sprintf("%s delegated step %d of request %s to you.", fromUserID, inst.CurrentStep, inst.RequestID),
	)
	return updated, nil
}

// HandleApprovalTimeout applies the deadline decision for stepNumber:
// ESCALATE when the step has never been escalated and has an escalation
// role, REJECT otherwise. Stale deadlines are ignored.
func (e *engineImpl) HandleApprovalTimeout(ctx context.Context, instanceID string, stepNumber int, escalated bool) (*api.ApprovalInstance, error) {
	inst, err := e.GetApprovalInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	a := inst.CurrentAssignment()
	if inst.Status != api.ApprovalPending || inst.CurrentStep != stepNumber || a == nil || a.Escalated() != escalated {
		return inst, nil
	}

	action := api.ActionReject
	if a.EscalationRole != "" && !a.Escalated() {
		// A delegated step loses its escalated role but not its history.
		actions, err := e.store.ListApprovalActions(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if !escalatedBefore(actions, stepNumber) {
			action = api.ActionEscalate
		}
	}
	e.logger.InfoContext(ctx, "approval_deadline_passed",
		slog.String("instance_id", instanceID),
		slog.Int("step", stepNumber),
		slog.String("action", string(action)),
	)

	updated, err := e.decide(ctx, inst, action, api.SystemActor,
		fmt.Sprintf("no decision within %d hours", a.TimeoutHours),
		map[string]any{"reason": "timeout"})
	if errors.Is(err, api.ErrNotPending) {
		return e.GetApprovalInstance(ctx, instanceID)
	}
	return updated, err
}

func escalatedBefore(actions []api.ApprovalAction, stepNumber int) bool {
	for _, act := range actions {
		if act.Action == api.ActionEscalate && act.StepNumber == stepNumber {
			return true
		}
	}
	return false
}

// authorize loads a PENDING instance and checks that actor may act on its
// current step.
func (e *engineImpl) authorize(ctx context.Context, instanceID, actor string) (*api.ApprovalInstance, error) {
	inst, err := e.GetApprovalInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != api.ApprovalPending {
		return nil, fmt.Errorf("%w: instance %s is %s", api.ErrNotPending, instanceID, inst.Status)
	}
	a := inst.CurrentAssignment()
	if a == nil {
		return nil, fmt.Errorf("instance %s has no assignment for step %d", instanceID, inst.CurrentStep)
	}
	ok, err := e.resolver.CanAct(ctx, *a, actor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s may not act on step %d of %s", api.ErrForbidden, actor, inst.CurrentStep, instanceID)
	}
	return inst, nil
}

func (e *engineImpl) decide(ctx context.Context, inst *api.ApprovalInstance, action api.ActionType, actor, comments string, details map[string]any) (*api.ApprovalInstance, error) {
	updated := inst.Clone()
	now := e.timestamp()
	row := e.newAction(inst, action, actor, comments, details)

	var after func()
	switch action {
	case api.ActionApprove:
		if next := updated.Assignment(inst.CurrentStep + 1); next != nil {
			updated.CurrentStep++
			a := *next
			after = func() {
				e.notifyApprovers(ctx, updated, a)
				e.scheduleDeadline(ctx, updated, a)
			}
		} else {
			updated.Status = api.ApprovalApproved
			updated.CompletedAt = &now
		}
	case api.ActionReject:
		updated.Status = api.ApprovalRejected
		updated.CompletedAt = &now
	case api.ActionEscalate:
		a := updated.CurrentAssignment()
		if a.EscalationRole == "" {
			return nil, fmt.Errorf("%w: step %d of %s", api.ErrNoEscalationRole, inst.CurrentStep, inst.ID)
		}
		a.EscalatedRole = a.EscalationRole
		escalated := *a
		after = func() {
			e.notifyApprovers(ctx, updated, escalated)
			e.scheduleDeadline(ctx, updated, escalated)
		}
	case api.ActionComment:
	default:
		return nil, fmt.Errorf("%w: %q", api.ErrInvalidAction, action)
	}

	if err := e.apply(ctx, updated, row); err != nil {
		return nil, err
	}
	if after != nil {
		after()
	}
	return updated, nil
}

func (e *engineImpl) newAction(inst *api.ApprovalInstance, action api.ActionType, actor, comments string, details map[string]any) api.ApprovalAction {
	return api.ApprovalAction{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepNumber: inst.CurrentStep,
		Action:     action,
		ActorID:    actor,
		Comments:   comments,
		Details:    details,
		CreatedAt:  e.timestamp(),
	}
}

// apply commits the mutated instance and its action row. A lost version
// race is ErrNotPending once the instance is decided, ErrConcurrentUpdate
// while it is still PENDING.
func (e *engineImpl) apply(ctx context.Context, updated *api.ApprovalInstance, row api.ApprovalAction) error {
	err := e.store.ApplyApprovalAction(ctx, updated, row)
	if errors.Is(err, persistence.ErrConflict) {
		current, gerr := e.GetApprovalInstance(ctx, updated.ID)
		if gerr != nil {
			return gerr
		}
		if current.Status != api.ApprovalPending {
			return fmt.Errorf("%w: instance %s is %s", api.ErrNotPending, updated.ID, current.Status)
		}
		return fmt.Errorf("%w: instance %s at version %d", api.ErrConcurrentUpdate, updated.ID, current.Version)
	}
	if err != nil {
		return mapInstanceErr(err, updated.ID)
	}
	e.observer.OnApprovalAction(ctx, updated, row)
	return nil
}

func (e *engineImpl) notifyApprovers(ctx context.Context, inst *api.ApprovalInstance, a api.StepAssignment) {
	recipients, err := e.resolver.Recipients(ctx, a)
	if err != nil {
		e.logger.WarnContext(ctx, "approval_recipients_failed",
			slog.String("instance_id", inst.ID),
			slog.Int("step", a.StepNumber),
			slog.Any("error", err),
		)
		return
	}
	if len(recipients) == 0 {
		return
	}
	subject := fmt.Sprintf("Approval required: %s %s", inst.RequestType, inst.RequestID)
	if a.Escalated() {
		subject = fmt.Sprintf("Approval escalated: %s %s", inst.RequestType, inst.RequestID)
	}
	e.notifier.NotifyUsers(ctx, recipients, subject,
		fmt.Sprintf("Request %s is waiting for your decision at step %d.", inst.RequestID, a.StepNumber))
}

func (e *engineImpl) scheduleDeadline(ctx context.Context, inst *api.ApprovalInstance, a api.StepAssignment) {
	if a.TimeoutHours <= 0 {
		return
	}
	e.enqueueDeadline(ctx, inst.ID, a, e.now().Add(time.Duration(a.TimeoutHours)*time.Hour))
}

func (e *engineImpl) enqueueDeadline(ctx context.Context, instanceID string, a api.StepAssignment, at time.Time) {
	t := taskqueue.NewTask(taskqueue.TaskTypeApprovalTimeout, instanceID, at)
	t.StepNumber = a.StepNumber
	t.Escalated = a.Escalated()
	if err := e.enqueue(ctx, t); err != nil {
		e.logger.WarnContext(ctx, "approval_deadline_schedule_failed",
			slog.String("instance_id", instanceID),
			slog.Int("step", a.StepNumber),
			slog.Any("error", err),
		)
	}
}
