package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

func timerStep(id string, duration float64, unit string) api.StepDefinition {
	return api.StepDefinition{
		ID:     id,
		Kind:   api.StepKindTimer,
		Config: map[string]any{"duration": duration, "unit": unit},
	}
}

func TestWorkflowRunsStepsInOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		def := h.createDefinition(t, "invoice",
			documentStep("greeting", "greeting", "Hello {{.customer}}"),
			api.StepDefinition{
				ID:   "route",
				Kind: api.StepKindDecision,
				Config: map[string]any{
					"conditions": []any{
						map[string]any{"expression": "amount > 100", "targetPath": "summary"},
					},
					"defaultPath": api.EndPath,
				},
			},
			documentStep("summary", "summary", "{{.document}}, you owe {{.amount}}"),
		)

		inst, err := h.eng.StartInstance(ctx, def.ID, map[string]any{"customer": "ACME", "amount": 250}, "alice")
		require.NoError(t, err)
		require.Equal(t, api.StatusRunning, inst.Status)
		require.Equal(t, 0, inst.CurrentStep)

		done := h.waitStatus(t, inst.ID, api.StatusCompleted)
		require.Equal(t, 3, done.CurrentStep)
		require.NotNil(t, done.CompletedAt)
		require.Equal(t, "Hello ACME, you owe 250", done.Variables["document"])
		require.Equal(t, "summary", done.Variables["path"])
		require.Equal(t, "alice", done.InitiatedBy)

		require.Equal(t, []api.EventType{
			api.EventWorkflowStarted,
			api.EventWorkflowStepCompleted,
			api.EventWorkflowStepCompleted,
			api.EventWorkflowStepCompleted,
			api.EventWorkflowCompleted,
		}, eventTypes(t, h.eng, inst.ID))

		execs, err := h.eng.ListStepExecutions(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, execs, 3)
		for i, x := range execs {
			require.Equal(t, api.StepCompleted, x.Status)
			require.Equal(t, i+1, x.StepIndex)
			require.NotNil(t, x.CompletedAt)
		}
		require.Equal(t, "greeting", execs[0].StepID)
		require.Equal(t, "Hello ACME", execs[0].Output["document"])
	})
}

func TestStartInstanceDoesNotRunSteps(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)
		def := h.createDefinition(t, "deferred", documentStep("only", "doc", "x"))

		inst, err := h.eng.StartInstance(ctx, def.ID, nil, "bob")
		require.NoError(t, err)
		require.Equal(t, 1, h.queue.Len())

		got, err := h.eng.GetInstanceStatus(ctx, inst.ID)
		require.NoError(t, err)
		require.Equal(t, api.StatusRunning, got.Status)
		require.Equal(t, 0, got.CurrentStep)

		execs, err := h.eng.ListStepExecutions(ctx, inst.ID)
		require.NoError(t, err)
		require.Empty(t, execs)
	})
}

func TestUnknownTaskTypeFailsInstanceAtThatStep(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		def := h.createDefinition(t, "broken",
			documentStep("first", "doc", "ok"),
			api.StepDefinition{ID: "second", Kind: api.StepKindTask, Config: map[string]any{"taskType": "FAX_SEND"}},
			documentStep("third", "doc", "never"),
		)
		inst, err := h.eng.StartInstance(ctx, def.ID, nil, "alice")
		require.NoError(t, err)

		failed := h.waitStatus(t, inst.ID, api.StatusFailed)
		require.Equal(t, 1, failed.CurrentStep)
		require.Contains(t, failed.Error, api.ErrUnknownTaskType.Error())
		require.NotNil(t, failed.CompletedAt)

		types := eventTypes(t, h.eng, inst.ID)
		n := 0
		for _, typ := range types {
			if typ == api.EventWorkflowFailed {
				n++
			}
			require.NotEqual(t, api.EventWorkflowCompleted, typ)
		}
		require.Equal(t, 1, n)

		execs, err := h.eng.ListStepExecutions(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, execs, 2)
		require.Equal(t, api.StepCompleted, execs[0].Status)
		require.Equal(t, "second", execs[1].StepID)
		require.Equal(t, api.StepFailed, execs[1].Status)
		require.NotEmpty(t, execs[1].Error)
	})
}

func TestHTTPTaskFailureFailsInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		def := h.createDefinition(t, "callout", api.StepDefinition{
			ID:   "call",
			Kind: api.StepKindTask,
			Config: map[string]any{
				"taskType": "HTTP_REQUEST",
				"method":   "GET",
				"url":      srv.URL,
			},
		})
		inst, err := h.eng.StartInstance(ctx, def.ID, nil, "alice")
		require.NoError(t, err)

		failed := h.waitStatus(t, inst.ID, api.StatusFailed)
		require.Equal(t, 0, failed.CurrentStep)
		require.Contains(t, failed.Error, "500")
	})
}

func TestStartInstanceErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarnessOn(t, backends[0])

	_, err := h.eng.StartInstance(ctx, "missing", nil, "alice")
	require.ErrorIs(t, err, api.ErrDefinitionNotFound)

	def := h.createDefinition(t, "retired", documentStep("a", "doc", "x"))
	require.NoError(t, h.eng.DeactivateDefinition(ctx, def.ID))
	_, err = h.eng.StartInstance(ctx, def.ID, nil, "alice")
	require.ErrorIs(t, err, api.ErrDefinitionNotFound)

	require.ErrorIs(t, h.eng.DeactivateDefinition(ctx, "missing"), api.ErrDefinitionNotFound)

	_, err = h.eng.CreateDefinition(ctx, api.WorkflowDefinition{Name: "empty"})
	require.ErrorIs(t, err, api.ErrInvalidDefinition)

	_, err = h.eng.GetInstanceStatus(ctx, "missing")
	require.ErrorIs(t, err, api.ErrInstanceNotFound)
}

func TestCreateDefinitionAddsVersions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		v1 := h.createDefinition(t, "onboarding", documentStep("a", "doc", "v1"))
		v2 := h.createDefinition(t, "onboarding", documentStep("a", "doc", "v2"))
		other := h.createDefinition(t, "offboarding", documentStep("a", "doc", "x"))

		require.Equal(t, 1, v1.Version)
		require.Equal(t, 2, v2.Version)
		require.Equal(t, 1, other.Version)
		require.NotEqual(t, v1.ID, v2.ID)

		// The old version keeps running its own steps.
		inst, err := h.eng.StartInstance(ctx, v1.ID, nil, "alice")
		require.NoError(t, err)
		done := h.waitStatus(t, inst.ID, api.StatusCompleted)
		require.Equal(t, "v1", done.Variables["document"])
		require.Equal(t, "onboarding", done.DefinitionName)
	})
}

func TestTimerStepWaitsWithoutBlockingWorker(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		def := h.createDefinition(t, "delayed",
			timerStep("wait", 100, "milliseconds"),
			documentStep("after", "doc", "done"),
		)
		inst, err := h.eng.StartInstance(ctx, def.ID, nil, "alice")
		require.NoError(t, err)

		processed, err := h.worker.ProcessOne(ctx)
		require.True(t, processed)
		require.NoError(t, err)

		waiting, err := h.eng.GetInstanceStatus(ctx, inst.ID)
		require.NoError(t, err)
		require.Equal(t, api.StatusRunning, waiting.Status)
		require.Equal(t, 0, waiting.CurrentStep)
		require.NotNil(t, waiting.WakeAt)
		require.Contains(t, eventTypes(t, h.eng, inst.ID), api.EventWorkflowTimerScheduled)

		execs, err := h.eng.ListStepExecutions(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, execs, 1)
		require.Equal(t, api.StepRunning, execs[0].Status)

		done := h.waitStatus(t, inst.ID, api.StatusCompleted)
		require.Nil(t, done.WakeAt)
		require.Equal(t, 2, done.CurrentStep)
		require.NotEmpty(t, done.Variables["timerFiredAt"])

		execs, err = h.eng.ListStepExecutions(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, execs, 2)
		require.Equal(t, "wait", execs[0].StepID)
		require.Equal(t, api.StepCompleted, execs[0].Status)
	})
}

func TestPauseAndResume(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		def := h.createDefinition(t, "pausable",
			timerStep("wait", 100, "milliseconds"),
			documentStep("after", "doc", "done"),
		)
		inst, err := h.eng.StartInstance(ctx, def.ID, nil, "alice")
		require.NoError(t, err)
		_, err = h.worker.ProcessOne(ctx)
		require.NoError(t, err)

		paused, err := h.eng.PauseInstance(ctx, inst.ID)
		require.NoError(t, err)
		require.Equal(t, api.StatusPaused, paused.Status)

		_, err = h.eng.PauseInstance(ctx, inst.ID)
		require.ErrorIs(t, err, api.ErrNotRunning)

		// The timer comes due while paused; nothing advances.
		time.Sleep(150 * time.Millisecond)
		h.drain(t)
		still, err := h.eng.GetInstanceStatus(ctx, inst.ID)
		require.NoError(t, err)
		require.Equal(t, api.StatusPaused, still.Status)
		require.Equal(t, 0, still.CurrentStep)

		resumed, err := h.eng.ResumeInstance(ctx, inst.ID)
		require.NoError(t, err)
		require.Equal(t, api.StatusRunning, resumed.Status)

		_, err = h.eng.ResumeInstance(ctx, inst.ID)
		require.ErrorIs(t, err, api.ErrNotPaused)

		done := h.waitStatus(t, inst.ID, api.StatusCompleted)
		require.Equal(t, 2, done.CurrentStep)

		types := eventTypes(t, h.eng, inst.ID)
		require.Contains(t, types, api.EventWorkflowPaused)
		require.Contains(t, types, api.EventWorkflowResumed)

		_, err = h.eng.PauseInstance(ctx, inst.ID)
		require.ErrorIs(t, err, api.ErrNotRunning)
	})
}

func TestCancelInstanceClosesOpenStep(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		def := h.createDefinition(t, "long", timerStep("wait", 1, "hours"))
		inst, err := h.eng.StartInstance(ctx, def.ID, nil, "alice")
		require.NoError(t, err)
		_, err = h.worker.ProcessOne(ctx)
		require.NoError(t, err)

		cancelled, err := h.eng.CancelInstance(ctx, inst.ID, "carol")
		require.NoError(t, err)
		require.Equal(t, api.StatusFailed, cancelled.Status)
		require.Equal(t, "cancelled by carol", cancelled.Error)
		require.Nil(t, cancelled.WakeAt)

		execs, err := h.eng.ListStepExecutions(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, execs, 1)
		require.Equal(t, api.StepFailed, execs[0].Status)

		_, err = h.eng.CancelInstance(ctx, inst.ID, "carol")
		require.ErrorIs(t, err, api.ErrNotRunning)
		_, err = h.eng.ResumeInstance(ctx, inst.ID)
		require.ErrorIs(t, err, api.ErrNotPaused)
	})
}

func TestConcurrentRunsExecuteEachStepOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		def := h.createDefinition(t, "contended",
			documentStep("a", "a", "1"),
			documentStep("b", "b", "2"),
			documentStep("c", "c", "3"),
		)
		inst, err := h.eng.StartInstance(ctx, def.ID, nil, "alice")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = h.eng.RunInstance(ctx, inst.ID)
			}()
		}
		wg.Wait()
		h.waitStatus(t, inst.ID, api.StatusCompleted)

		counts := map[api.EventType]int{}
		for _, typ := range eventTypes(t, h.eng, inst.ID) {
			counts[typ]++
		}
		require.Equal(t, 3, counts[api.EventWorkflowStepCompleted])
		require.Equal(t, 1, counts[api.EventWorkflowCompleted])

		execs, err := h.eng.ListStepExecutions(ctx, inst.ID)
		require.NoError(t, err)
		completed := 0
		for _, x := range execs {
			if x.Status == api.StepCompleted {
				completed++
			}
		}
		require.Equal(t, 3, completed)
	})
}

func TestRecoverInstancesAfterRestart(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		def := h.createDefinition(t, "recoverable",
			documentStep("a", "doc", "a"),
			documentStep("b", "doc", "b"),
		)
		timed := h.createDefinition(t, "recoverable-timer",
			timerStep("wait", 50, "milliseconds"),
		)

		// Never picked up before the "crash".
		queued, err := h.eng.StartInstance(ctx, def.ID, nil, "alice")
		require.NoError(t, err)

		// Crashed in the middle of step 1.
		interrupted, err := h.eng.StartInstance(ctx, def.ID, nil, "alice")
		require.NoError(t, err)
		require.NoError(t, h.store.StartStepExecution(ctx, api.StepExecution{
			ID:         "orphan",
			InstanceID: interrupted.ID,
			StepID:     "a",
			StepIndex:  1,
			Kind:       api.StepKindTask,
			Status:     api.StepRunning,
			StartedAt:  time.Now().UTC(),
		}))

		// Waiting on its timer.
		waiting, err := h.eng.StartInstance(ctx, timed.ID, nil, "alice")
		require.NoError(t, err)

		restarted := h.restart(t)
		// Only the timer instance is processed by the old process.
		for {
			task, err := h.queue.Dequeue(ctx)
			require.NoError(t, err)
			if task.InstanceID == waiting.ID {
				require.NoError(t, h.worker.Handle(ctx, *task))
				break
			}
		}

		n, err := restarted.eng.RecoverInstances(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, n)

		for _, id := range []string{queued.ID, interrupted.ID, waiting.ID} {
			restarted.waitStatus(t, id, api.StatusCompleted)
		}

		execs, err := restarted.eng.ListStepExecutions(ctx, interrupted.ID)
		require.NoError(t, err)
		require.Len(t, execs, 3)
		require.Equal(t, "orphan", execs[0].ID)
		require.Equal(t, api.StepFailed, execs[0].Status)
		require.Equal(t, "interrupted", execs[0].Error)

		timerExecs, err := restarted.eng.ListStepExecutions(ctx, waiting.ID)
		require.NoError(t, err)
		require.Len(t, timerExecs, 1)
		require.Equal(t, api.StepCompleted, timerExecs[0].Status)
	})
}

func TestPurgeBeforeRemovesFinishedInstances(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		def := h.createDefinition(t, "purgeable", documentStep("a", "doc", "x"))
		slow := h.createDefinition(t, "slow", timerStep("wait", 1, "hours"))

		done, err := h.eng.StartInstance(ctx, def.ID, nil, "alice")
		require.NoError(t, err)
		running, err := h.eng.StartInstance(ctx, slow.ID, nil, "alice")
		require.NoError(t, err)
		h.waitStatus(t, done.ID, api.StatusCompleted)

		n, err := h.eng.PurgeBefore(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = h.eng.GetInstanceStatus(ctx, done.ID)
		require.ErrorIs(t, err, api.ErrInstanceNotFound)
		events, err := h.eng.ListEvents(ctx, done.ID)
		require.NoError(t, err)
		require.Empty(t, events)

		still, err := h.eng.GetInstanceStatus(ctx, running.ID)
		require.NoError(t, err)
		require.Equal(t, api.StatusRunning, still.Status)
	})
}

func TestListInstancesFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		a := h.createDefinition(t, "a", documentStep("s", "doc", "x"))
		bDef := h.createDefinition(t, "b", timerStep("wait", 1, "hours"))

		first, err := h.eng.StartInstance(ctx, a.ID, nil, "alice")
		require.NoError(t, err)
		_, err = h.eng.StartInstance(ctx, bDef.ID, nil, "alice")
		require.NoError(t, err)
		h.waitStatus(t, first.ID, api.StatusCompleted)

		byDef, err := h.eng.ListInstances(ctx, api.InstanceListOptions{DefinitionID: a.ID})
		require.NoError(t, err)
		require.Len(t, byDef, 1)
		require.Equal(t, first.ID, byDef[0].ID)

		running, err := h.eng.ListInstances(ctx, api.InstanceListOptions{Status: api.StatusRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		require.Equal(t, bDef.ID, running[0].DefinitionID)

		all, err := h.eng.ListInstances(ctx, api.InstanceListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 2)

		future, err := h.eng.ListInstances(ctx, api.InstanceListOptions{From: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		require.Empty(t, future)
	})
}

func TestGetAnalytics(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarnessOn(t, b)

		good := h.createDefinition(t, "good", documentStep("a", "doc", "x"))
		bad := h.createDefinition(t, "bad",
			documentStep("a", "doc", "x"),
			api.StepDefinition{ID: "broken", Kind: api.StepKindTask, Config: map[string]any{"taskType": "NOPE"}},
		)
		slow := h.createDefinition(t, "slow", timerStep("wait", 1, "hours"))

		var ids []string
		for _, defID := range []string{good.ID, good.ID, bad.ID, slow.ID} {
			inst, err := h.eng.StartInstance(ctx, defID, nil, "alice")
			require.NoError(t, err)
			ids = append(ids, inst.ID)
		}
		h.waitStatus(t, ids[0], api.StatusCompleted)
		h.waitStatus(t, ids[2], api.StatusFailed)

		stats, err := h.eng.GetAnalytics(ctx, api.AnalyticsQuery{})
		require.NoError(t, err)
		require.Equal(t, 4, stats.Total)
		require.Equal(t, 2, stats.Completed)
		require.Equal(t, 1, stats.Failed)
		require.Equal(t, 1, stats.Running)
		require.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
		require.Equal(t, map[string]int{"broken": 1}, stats.StepFailures)
		require.GreaterOrEqual(t, stats.AverageCompletionTime, time.Duration(0))

		onlyBad, err := h.eng.GetAnalytics(ctx, api.AnalyticsQuery{DefinitionID: bad.ID})
		require.NoError(t, err)
		require.Equal(t, 1, onlyBad.Total)
		require.Zero(t, onlyBad.SuccessRate)

		empty, err := h.eng.GetAnalytics(ctx, api.AnalyticsQuery{From: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		require.Zero(t, empty.Total)
		require.Zero(t, empty.SuccessRate)
	})
}

func TestAnalyticsIgnoresInterruptedAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarnessOn(t, backends[0])

	bad := h.createDefinition(t, "bad",
		documentStep("a", "doc", "x"),
		api.StepDefinition{ID: "broken", Kind: api.StepKindTask, Config: map[string]any{"taskType": "NOPE"}},
	)
	inst, err := h.eng.StartInstance(ctx, bad.ID, nil, "alice")
	require.NoError(t, err)
	require.NoError(t, h.store.StartStepExecution(ctx, api.StepExecution{
		ID:         "orphan",
		InstanceID: inst.ID,
		StepID:     "a",
		StepIndex:  1,
		Kind:       api.StepKindTask,
		Status:     api.StepRunning,
		StartedAt:  time.Now().UTC(),
	}))

	restarted := h.restart(t)
	_, err = restarted.eng.RecoverInstances(ctx)
	require.NoError(t, err)
	restarted.waitStatus(t, inst.ID, api.StatusFailed)

	execs, err := restarted.eng.ListStepExecutions(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.StepFailed, execs[0].Status)
	require.Equal(t, "interrupted", execs[0].Error)

	stats, err := restarted.eng.GetAnalytics(ctx, api.AnalyticsQuery{})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, map[string]int{"broken": 1}, stats.StepFailures)
}

func TestStepResultDiscardedWhenStepMovedOn(t *testing.T) {
	ctx := context.Background()
	h := newHarnessOn(t, backends[0])

	def := h.createDefinition(t, "raced", documentStep("a", "doc", "x"), documentStep("b", "doc", "y"))
	inst, err := h.eng.StartInstance(ctx, def.ID, nil, "alice")
	require.NoError(t, err)

	// Someone else completed step 1 already.
	now := time.Now().UTC()
	_, err = h.store.AdvanceStep(ctx, persistence.Advance{
		InstanceID:   inst.ID,
		ExpectedStep: 0,
		Variables:    map[string]any{"document": "other"},
		Execution: api.StepExecution{
			ID: "other", InstanceID: inst.ID, StepID: "a", StepIndex: 1,
			Kind: api.StepKindTask, Status: api.StepCompleted, StartedAt: now,
		},
		Event: api.WorkflowEvent{InstanceID: inst.ID, Type: api.EventWorkflowStepCompleted, At: now, Step: 1},
	})
	require.NoError(t, err)

	// A stale run of step 1 cannot move the instance twice.
	impl := h.eng.(*engineImpl)
	got, stop, err := impl.runStep(ctx, inst.Clone(), def.Steps[0], 1)
	require.NoError(t, err)
	require.True(t, stop)
	require.Equal(t, 1, got.CurrentStep)
	require.Equal(t, "other", got.Variables["document"])
}
