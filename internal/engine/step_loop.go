package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// RunInstance runs the step loop of an existing instance until it reaches a
// terminal state, is paused, or waits on a timer. A run that finds the
// instance leased by another runner schedules itself again.
func (e *engineImpl) RunInstance(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	return e.runLeased(ctx, instanceID, taskqueue.TaskTypeRunInstance)
}

// WakeTimer continues an instance whose timer step is due. The timer step
// itself decides whether the wake time has passed.
func (e *engineImpl) WakeTimer(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	return e.runLeased(ctx, instanceID, taskqueue.TaskTypeTimerWake)
}

func (e *engineImpl) runLeased(ctx context.Context, instanceID string, retryType taskqueue.TaskType) (*api.WorkflowInstance, error) {
	owner := e.owner + "/" + uuid.NewString()

	acquired, err := e.store.TryAcquireLease(ctx, instanceID, owner, e.leaseTTL)
	if err != nil {
		return nil, mapInstanceErr(err, instanceID)
	}
	if !acquired {
		e.logger.DebugContext(ctx, "instance_leased_elsewhere", slog.String("instance_id", instanceID))
		retry := taskqueue.NewTask(retryType, instanceID, e.now().Add(e.retryDelay))
		if err := e.enqueue(ctx, retry); err != nil {
			return nil, fmt.Errorf("reschedule instance %s: %w", instanceID, err)
		}
		return e.GetInstanceStatus(ctx, instanceID)
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), instanceID, owner); err != nil {
			e.logger.WarnContext(ctx, "lease_release_failed",
				slog.String("instance_id", instanceID),
				slog.Any("error", err),
			)
		}
	}()

	return e.runLoop(ctx, instanceID, owner)
}

func (e *engineImpl) runLoop(ctx context.Context, instanceID, owner string) (*api.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, mapInstanceErr(err, instanceID)
	}
	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, mapDefinitionErr(err, inst.DefinitionID)
	}

	for {
		if inst.Status != api.StatusRunning {
			return inst, nil
		}
		if err := ctx.Err(); err != nil {
			return inst, err
		}

		next := inst.CurrentStep + 1
		if next > len(def.Steps) {
			return e.complete(ctx, inst)
		}

		if err := e.store.RenewLease(ctx, instanceID, owner, e.leaseTTL); err != nil {
			e.logger.WarnContext(ctx, "lease_lost",
				slog.String("instance_id", instanceID),
				slog.Any("error", err),
			)
			return inst, nil
		}

		var stop bool
		inst, stop, err = e.runStep(ctx, inst, def.Steps[next-1], next)
		if err != nil || stop {
			return inst, err
		}

		// Re-read so a pause or cancel committed during the step is seen
		// before the next one starts.
		inst, err = e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, mapInstanceErr(err, instanceID)
		}
	}
}

// runStep executes one step and persists its outcome. stop reports that the
// loop must not continue (failure, timer wait or lost race).
func (e *engineImpl) runStep(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, index int) (*api.WorkflowInstance, bool, error) {
	exec, err := e.beginExecution(ctx, inst, step, index)
	if err != nil {
		return inst, true, err
	}

	e.observer.OnStepStart(ctx, inst, step, index)
	start := time.Now()
	out, stepErr := e.executor.Execute(ctx, inst, step, index)
	dur := time.Since(start)

	if pending, ok := api.IsTimerPending(stepErr); ok {
		return e.waitTimer(ctx, inst, step, index, pending)
	}
	if stepErr != nil && ctx.Err() != nil {
		// Shutdown, not a step failure: the open row is closed as
		// interrupted by RecoverInstances.
		return inst, true, ctx.Err()
	}

	e.observer.OnStepCompleted(ctx, inst, step, index, stepErr, dur)

	now := e.timestamp()
	exec.CompletedAt = &now
	if stepErr != nil {
		exec.Status = api.StepFailed
		exec.Error = stepErr.Error()
		failed, err := e.fail(ctx, inst, &exec, stepErr, step)
		return failed, true, err
	}

	exec.Status = api.StepCompleted
	exec.Output = out

	vars := api.CloneMap(inst.Variables)
	for k, v := range out {
		vars[k] = v
	}
	advanced, err := e.store.AdvanceStep(ctx, persistence.Advance{
		InstanceID:   inst.ID,
		ExpectedStep: inst.CurrentStep,
		Variables:    vars,
		Execution:    exec,
		Event: api.WorkflowEvent{
			InstanceID:   inst.ID,
			DefinitionID: inst.DefinitionID,
			Type:         api.EventWorkflowStepCompleted,
			At:           now,
			Step:         index,
			Payload:      map[string]any{"stepId": step.ID, "output": out},
		},
	})
	if errors.Is(err, persistence.ErrConflict) {
		// Cancelled or advanced by someone else while the step ran.
		e.logger.WarnContext(ctx, "step_result_discarded",
			slog.String("instance_id", inst.ID),
			slog.String("step", step.ID),
		)
		latest, gerr := e.store.GetInstance(ctx, inst.ID)
		if gerr != nil {
			return inst, true, mapInstanceErr(gerr, inst.ID)
		}
		return latest, true, nil
	}
	if err != nil {
		return inst, true, err
	}
	return advanced, false, nil
}

// beginExecution writes the RUNNING row for a step attempt. A timer step
// that is already waiting keeps its open row.
func (e *engineImpl) beginExecution(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, index int) (api.StepExecution, error) {
	if step.Kind == api.StepKindTimer {
		open, err := e.store.OpenStepExecution(ctx, inst.ID, step.ID)
		if err == nil {
			return *open, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return api.StepExecution{}, err
		}
	}

	exec := api.StepExecution{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepID:     step.ID,
		StepIndex:  index,
		Kind:       step.Kind,
		Status:     api.StepRunning,
		Input:      map[string]any{"stepConfig": step.Config, "variables": inst.Variables},
		StartedAt:  e.timestamp(),
	}
	if err := e.store.StartStepExecution(ctx, exec); err != nil {
		return api.StepExecution{}, err
	}
	return exec, nil
}

func (e *engineImpl) waitTimer(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, index int, pending *api.TimerPendingError) (*api.WorkflowInstance, bool, error) {
	if inst.WakeAt == nil || !inst.WakeAt.Equal(pending.WakeAt) {
		err := e.store.ScheduleTimer(ctx, inst.ID, inst.CurrentStep, pending.WakeAt, api.WorkflowEvent{
			InstanceID:   inst.ID,
			DefinitionID: inst.DefinitionID,
			Type:         api.EventWorkflowTimerScheduled,
			At:           e.timestamp(),
			Step:         index,
			Payload:      map[string]any{"stepId": step.ID, "wakeAt": pending.WakeAt.UTC().Format(time.RFC3339Nano)},
		})
		if errors.Is(err, persistence.ErrConflict) {
			return inst, true, nil
		}
		if err != nil {
			return inst, true, err
		}
	}

	wake := taskqueue.NewTask(taskqueue.TaskTypeTimerWake, inst.ID, pending.WakeAt)
	wake.StepNumber = index
	if err := e.enqueue(ctx, wake); err != nil {
		return inst, true, fmt.Errorf("schedule timer wake for %s: %w", inst.ID, err)
	}
	e.logger.DebugContext(ctx, "timer_scheduled",
		slog.String("instance_id", inst.ID),
		slog.String("step", step.ID),
		slog.Time("wake_at", pending.WakeAt),
	)

	latest, err := e.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return inst, true, mapInstanceErr(err, inst.ID)
	}
	return latest, true, nil
}

func (e *engineImpl) fail(ctx context.Context, inst *api.WorkflowInstance, exec *api.StepExecution, cause error, step api.StepDefinition) (*api.WorkflowInstance, error) {
	now := e.timestamp()
	failed, err := e.store.Transition(ctx, persistence.Transition{
		InstanceID:  inst.ID,
		From:        []api.Status{api.StatusRunning, api.StatusPaused},
		To:          api.StatusFailed,
		Error:       cause.Error(),
		CompletedAt: &now,
		Execution:   exec,
		Event: &api.WorkflowEvent{
			InstanceID:   inst.ID,
			DefinitionID: inst.DefinitionID,
			Type:         api.EventWorkflowFailed,
			At:           now,
			Step:         inst.CurrentStep,
			Payload:      map[string]any{"error": cause.Error(), "stepId": step.ID},
		},
	})
	if errors.Is(err, persistence.ErrConflict) {
		// Already terminal (cancelled while the step ran).
		return e.GetInstanceStatus(ctx, inst.ID)
	}
	if err != nil {
		return inst, err
	}
	e.logger.InfoContext(ctx, "instance_failed",
		slog.String("instance_id", inst.ID),
		slog.String("step", step.ID),
		slog.Any("error", cause),
	)
	e.observer.OnWorkflowFailed(ctx, failed, cause)
	return failed, nil
}

func (e *engineImpl) complete(ctx context.Context, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	now := e.timestamp()
	done, err := e.store.Transition(ctx, persistence.Transition{
		InstanceID:  inst.ID,
		From:        []api.Status{api.StatusRunning},
		To:          api.StatusCompleted,
		CompletedAt: &now,
		Event: &api.WorkflowEvent{
			InstanceID:   inst.ID,
			DefinitionID: inst.DefinitionID,
			Type:         api.EventWorkflowCompleted,
			At:           now,
			Step:         inst.CurrentStep,
			Payload:      map[string]any{"variables": inst.Variables},
		},
	})
	if errors.Is(err, persistence.ErrConflict) {
		return e.GetInstanceStatus(ctx, inst.ID)
	}
	if err != nil {
		return inst, err
	}
	e.observer.OnWorkflowCompleted(ctx, done)
	return done, nil
}
