package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// callLog records every observer callback as "<event>:<subject>".
type callLog struct {
	mu    sync.Mutex
	calls []string
	errs  []error
	durs  []time.Duration
}

func (c *callLog) add(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *callLog) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	c.add("start:" + inst.ID)
}

func (c *callLog) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	c.add("completed:" + inst.ID)
}

func (c *callLog) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	c.add("failed:" + inst.ID)
	c.errs = append(c.errs, err)
}

func (c *callLog) OnWorkflowPaused(ctx context.Context, inst *WorkflowInstance) {
	c.add("paused:" + inst.ID)
}

func (c *callLog) OnWorkflowResumed(ctx context.Context, inst *WorkflowInstance) {
	c.add("resumed:" + inst.ID)
}

func (c *callLog) OnStepStart(ctx context.Context, inst *WorkflowInstance, step StepDefinition, idx int) {
	c.add("step_start:" + step.ID)
}

func (c *callLog) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step StepDefinition, idx int, err error, d time.Duration) {
	c.add("step_completed:" + step.ID)
	c.durs = append(c.durs, d)
}

func (c *callLog) OnApprovalAction(ctx context.Context, inst *ApprovalInstance, action ApprovalAction) {
	c.add("approval:" + string(action.Action))
}

// captureHandler keeps the records a slog.Logger emits.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func attrs(r slog.Record) map[string]any {
	out := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		out[a.Key] = a.Value.Any()
		return true
	})
	return out
}

func emitAll(ctx context.Context, o Observer, inst *WorkflowInstance, err error) {
	step := StepDefinition{ID: "render", Kind: StepKindTask}
	o.OnWorkflowStart(ctx, inst)
	o.OnStepStart(ctx, inst, step, 1)
	o.OnStepCompleted(ctx, inst, step, 1, nil, 2*time.Second)
	o.OnWorkflowPaused(ctx, inst)
	o.OnWorkflowResumed(ctx, inst)
	o.OnWorkflowCompleted(ctx, inst)
	o.OnWorkflowFailed(ctx, inst, err)
	o.OnApprovalAction(ctx, &ApprovalInstance{ID: "ap-1", RequestType: "purchase"}, ApprovalAction{Action: ActionReject})
}

func TestNoopObserverAcceptsEveryCallback(t *testing.T) {
	require.NotPanics(t, func() {
		emitAll(context.Background(), NoopObserver{}, &WorkflowInstance{ID: "i-1"}, errors.New("boom"))
	})
}

func TestNewCompositeObserverShortcuts(t *testing.T) {
	_, isNoop := NewCompositeObserver().(NoopObserver)
	require.True(t, isNoop)

	single := &callLog{}
	require.Same(t, single, NewCompositeObserver(nil, single))

	_, isComposite := NewCompositeObserver(&callLog{}, &callLog{}).(*CompositeObserver)
	require.True(t, isComposite)
}

func TestCompositeObserverFansOutInOrder(t *testing.T) {
	a, b := &callLog{}, &callLog{}
	boom := errors.New("boom")
	emitAll(context.Background(), NewCompositeObserver(a, b), &WorkflowInstance{ID: "i-1"}, boom)

	want := []string{
		"start:i-1", "step_start:render", "step_completed:render", "paused:i-1",
		"resumed:i-1", "completed:i-1", "failed:i-1", "approval:REJECT",
	}
	for _, o := range []*callLog{a, b} {
		require.Equal(t, want, o.calls)
		require.Equal(t, []error{boom}, o.errs)
		require.Equal(t, []time.Duration{2 * time.Second}, o.durs)
	}
}

func TestLoggingObserverNilLoggerFallsBack(t *testing.T) {
	lo, ok := NewLoggingObserver(nil).(*LoggingObserver)
	require.True(t, ok)
	require.NotNil(t, lo.Logger)
}

func TestLoggingObserverRecords(t *testing.T) {
	ctx := context.Background()
	h := &captureHandler{}
	o := NewLoggingObserver(slog.New(h))
	inst := &WorkflowInstance{ID: "i-9", DefinitionName: "invoice"}

	o.OnWorkflowStart(ctx, inst)
	o.OnStepCompleted(ctx, inst, StepDefinition{ID: "ok"}, 1, nil, time.Second)
	o.OnStepCompleted(ctx, inst, StepDefinition{ID: "bad"}, 2, errors.New("boom"), time.Second)

	require.Len(t, h.records, 3)

	start := h.records[0]
	require.Equal(t, slog.LevelInfo, start.Level)
	require.Equal(t, "workflow_start", start.Message)
	require.Equal(t, "invoice", attrs(start)["definition"])
	require.Equal(t, "i-9", attrs(start)["instance_id"])

	require.Equal(t, slog.LevelDebug, h.records[1].Level)
	require.Equal(t, "step_completed", h.records[1].Message)

	failed := h.records[2]
	require.Equal(t, slog.LevelError, failed.Level)
	require.Equal(t, "bad", attrs(failed)["step"])
	require.NotNil(t, attrs(failed)["error"])
}

func TestBasicMetricsSnapshot(t *testing.T) {
	ctx := context.Background()
	var m BasicMetrics
	inst := &WorkflowInstance{ID: "i-1"}

	require.Equal(t, BasicMetricsSnapshot{}, m.Snapshot())

	for i := 0; i < 3; i++ {
		m.OnWorkflowStart(ctx, inst)
	}
	m.OnWorkflowCompleted(ctx, inst)
	m.OnWorkflowFailed(ctx, inst, errors.New("fail"))

	// Failed steps are not part of the average.
	m.OnStepCompleted(ctx, inst, StepDefinition{ID: "a"}, 1, nil, time.Second)
	m.OnStepCompleted(ctx, inst, StepDefinition{ID: "b"}, 2, nil, 3*time.Second)
	m.OnStepCompleted(ctx, inst, StepDefinition{ID: "c"}, 3, errors.New("x"), 10*time.Second)

	m.OnApprovalAction(ctx, &ApprovalInstance{ID: "ap"}, ApprovalAction{Action: ActionDelegate})
	m.OnApprovalAction(ctx, &ApprovalInstance{ID: "ap"}, ApprovalAction{Action: ActionApprove})

	require.Equal(t, BasicMetricsSnapshot{
		WorkflowsStarted:   3,
		WorkflowsCompleted: 1,
		WorkflowsFailed:    1,
		PendingWorkflows:   1,
		StepsCompleted:     2,
		AvgStepDuration:    2 * time.Second,
		ApprovalActions:    2,
	}, m.Snapshot())
}
