package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// interruptedError marks a step execution closed by recovery rather than
// by a failure of the step itself.
const interruptedError = "interrupted"

// RecoverInstances re-schedules work that was in flight when the process
// stopped:
//
//   - RUNNING instances get a run task. A non-timer step left RUNNING is
//     closed as FAILED ("interrupted") first; the step is then re-run.
//   - Waiting timer steps keep their row and get a wake task at WakeAt.
//   - PENDING approvals with a deadline get their deadline task again.
//
// Duplicate tasks are harmless, so calling it on every start is safe.
func (e *engineImpl) RecoverInstances(ctx context.Context) (int, error) {
	running, err := e.store.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, inst := range running {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if err := e.recoverInstance(ctx, inst); err != nil {
			e.logger.WarnContext(ctx, "instance_recover_failed",
				slog.String("instance_id", inst.ID),
				slog.Any("error", err),
			)
			continue
		}
		recovered++
	}

	approvals, err := e.recoverApprovals(ctx)
	recovered += approvals
	if err != nil {
		return recovered, err
	}

	e.logger.InfoContext(ctx, "instances_recovered",
		slog.Int("workflows", recovered-approvals),
		slog.Int("approvals", approvals),
	)
	return recovered, nil
}

func (e *engineImpl) recoverInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	task := taskqueue.NewTask(taskqueue.TaskTypeRunInstance, inst.ID, time.Time{})

	if open := e.openExecution(ctx, inst); open != nil {
		if open.Kind == api.StepKindTimer {
			if inst.WakeAt != nil {
				task = taskqueue.NewTask(taskqueue.TaskTypeTimerWake, inst.ID, *inst.WakeAt)
				task.StepNumber = open.StepIndex
			}
		} else {
			now := e.timestamp()
			open.Status = api.StepFailed
			open.Error = interruptedError
			open.CompletedAt = &now
			if err := e.store.FinishStepExecution(ctx, *open); err != nil {
				return err
			}
		}
	}
	return e.enqueue(ctx, task)
}

func (e *engineImpl) recoverApprovals(ctx context.Context) (int, error) {
	pending, err := e.store.ListApprovalInstances(ctx, api.ApprovalPending)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, inst := range pending {
		a := inst.CurrentAssignment()
		if a == nil || a.TimeoutHours <= 0 {
			continue
		}
		actions, err := e.store.ListApprovalActions(ctx, inst.ID)
		if err != nil {
			return n, err
		}
		start := stepStartedAt(inst, actions)
		e.enqueueDeadline(ctx, inst.ID, *a, start.Add(time.Duration(a.TimeoutHours)*time.Hour))
		n++
	}
	return n, nil
}

// stepStartedAt returns when the deadline clock of the current step
// started: initiation or the approval of the previous step, the
// escalation of the step itself, or a delegation of the escalated step.
func stepStartedAt(inst *api.ApprovalInstance, actions []api.ApprovalAction) time.Time {
	start := inst.InitiatedAt
	escalated := false
	for _, act := range actions {
		switch {
		case act.Action == api.ActionApprove && act.StepNumber == inst.CurrentStep-1:
			start = act.CreatedAt
		case act.StepNumber != inst.CurrentStep:
		case act.Action == api.ActionEscalate:
			start = act.CreatedAt
			escalated = true
		case act.Action == api.ActionDelegate && escalated:
			start = act.CreatedAt
			escalated = false
		}
	}
	return start
}
