package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/testutil"
	"github.com/petrijr/stepflow/pkg/api"
)

// StoreTestSuite runs the same contract against every Store implementation.
type StoreTestSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func() Store { return NewInMemoryStore() }})
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func() Store {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("sql.Open failed: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })

		store, err := NewSQLiteStore(context.Background(), db)
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		return store
	}})
}

func TestPostgresStoreSuite(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	suite.Run(t, &StoreTestSuite{newStore: func() Store {
		store, err := NewPostgresStore(context.Background(), db)
		if err != nil {
			t.Fatalf("NewPostgresStore failed: %v", err)
		}
		for _, table := range []string{"definitions", "approval_workflows", "instances", "step_executions",
			"workflow_events", "approval_instances", "approval_actions"} {
			if _, err := db.Exec("TRUNCATE TABLE " + table); err != nil {
				t.Fatalf("TRUNCATE %s failed: %v", table, err)
			}
		}
		return store
	}})
}

func (s *StoreTestSuite) newInstance(id string) *api.WorkflowInstance {
	inst := &api.WorkflowInstance{
		ID:             id,
		DefinitionID:   "def-1",
		DefinitionName: "onboarding",
		Status:         api.StatusRunning,
		Variables:      map[string]any{"employee": "ada"},
		InitiatedBy:    "u-1",
		InitiatedAt:    time.Now().UTC(),
	}
	err := s.store.CreateInstance(s.ctx, inst, api.WorkflowEvent{
		InstanceID:   id,
		DefinitionID: inst.DefinitionID,
		Type:         api.EventWorkflowStarted,
	})
	s.Require().NoError(err)
	return inst
}

func (s *StoreTestSuite) TestDefinitions_SaveGetVersions() {
	for v := 1; v <= 2; v++ {
		err := s.store.SaveDefinition(s.ctx, api.WorkflowDefinition{
			ID:       "def-" + string(rune('0'+v)),
			Name:     "onboarding",
			Version:  v,
			IsActive: true,
			Steps: []api.StepDefinition{
				{ID: "s1", Kind: api.StepKindTask, Config: map[string]any{"taskType": "EMAIL_SEND"}},
			},
			CreatedAt: time.Now(),
		})
		s.Require().NoError(err)
	}

	latest, err := s.store.LatestDefinitionVersion(s.ctx, "onboarding")
	s.Require().NoError(err)
	s.Equal(2, latest)

	none, err := s.store.LatestDefinitionVersion(s.ctx, "missing")
	s.Require().NoError(err)
	s.Equal(0, none)

	got, err := s.store.GetDefinition(s.ctx, "def-1")
	s.Require().NoError(err)
	s.Equal("onboarding", got.Name)
	s.Require().Len(got.Steps, 1)
	s.Equal("EMAIL_SEND", got.Steps[0].Config["taskType"])

	s.Require().NoError(s.store.SetDefinitionActive(s.ctx, "def-1", false))
	got, err = s.store.GetDefinition(s.ctx, "def-1")
	s.Require().NoError(err)
	s.False(got.IsActive)

	all, err := s.store.ListDefinitions(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 2)

	_, err = s.store.GetDefinition(s.ctx, "nope")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.store.SetDefinitionActive(s.ctx, "nope", true), ErrNotFound)
}

func (s *StoreTestSuite) TestApprovalWorkflows_OneActivePerRequestType() {
	first := api.ApprovalWorkflow{
		ID: "aw-1", Name: "expenses v1", RequestType: "expense", IsActive: true,
		Steps:             []api.ApprovalStep{{StepNumber: 1, ApproverRole: "manager"}},
		AutoApprovalRules: map[string]any{"amount": 100},
		CreatedAt:         time.Now().Add(-time.Minute),
	}
	second := first
	second.ID, second.Name, second.CreatedAt = "aw-2", "expenses v2", time.Now()

	s.Require().NoError(s.store.SaveApprovalWorkflow(s.ctx, first))
	s.Require().NoError(s.store.SaveApprovalWorkflow(s.ctx, second))

	active, err := s.store.ActiveApprovalWorkflow(s.ctx, "expense")
	s.Require().NoError(err)
	s.Equal("aw-2", active.ID)
	s.Equal(json.Number("100"), active.AutoApprovalRules["amount"])

	old, err := s.store.GetApprovalWorkflow(s.ctx, "aw-1")
	s.Require().NoError(err)
	s.False(old.IsActive)

	_, err = s.store.ActiveApprovalWorkflow(s.ctx, "purchase")
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreTestSuite) TestInstances_LargeIntegersSurvive() {
	inst := &api.WorkflowInstance{
		ID: "big", DefinitionID: "d", DefinitionName: "n", Status: api.StatusRunning,
		Variables:   map[string]any{"id": int64(9007199254740993), "nested": map[string]any{"ratio": 0.5}},
		InitiatedAt: time.Now(),
	}
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst, api.WorkflowEvent{InstanceID: "big", Type: api.EventWorkflowStarted}))

	got, err := s.store.GetInstance(s.ctx, "big")
	s.Require().NoError(err)
	s.Equal(json.Number("9007199254740993"), got.Variables["id"])
	s.Equal(json.Number("0.5"), got.Variables["nested"].(map[string]any)["ratio"])
}

func (s *StoreTestSuite) TestInstances_AdvanceStepIsCompareAndSet() {
	s.newInstance("i-1")

	exec := api.StepExecution{
		ID: "x-1", InstanceID: "i-1", StepID: "s1", StepIndex: 1, Kind: api.StepKindTask,
		Status: api.StepRunning, StartedAt: time.Now(),
	}
	s.Require().NoError(s.store.StartStepExecution(s.ctx, exec))

	open, err := s.store.OpenStepExecution(s.ctx, "i-1", "s1")
	s.Require().NoError(err)
	s.Equal("x-1", open.ID)

	done := time.Now()
	exec.Status, exec.CompletedAt, exec.Output = api.StepCompleted, &done, map[string]any{"ok": true}
	got, err := s.store.AdvanceStep(s.ctx, Advance{
		InstanceID:   "i-1",
		ExpectedStep: 0,
		Variables:    map[string]any{"employee": "ada", "ok": true},
		Execution:    exec,
		Event:        api.WorkflowEvent{InstanceID: "i-1", Type: api.EventWorkflowStepCompleted, Step: 1},
	})
	s.Require().NoError(err)
	s.Equal(1, got.CurrentStep)
	s.Equal(true, got.Variables["ok"])
	s.EqualValues(1, got.Version)

	_, err = s.store.OpenStepExecution(s.ctx, "i-1", "s1")
	s.ErrorIs(err, ErrNotFound)

	// A stale expectation loses.
	_, err = s.store.AdvanceStep(s.ctx, Advance{InstanceID: "i-1", ExpectedStep: 0, Execution: exec})
	s.ErrorIs(err, ErrConflict)

	_, err = s.store.AdvanceStep(s.ctx, Advance{InstanceID: "missing", ExpectedStep: 0, Execution: exec})
	s.ErrorIs(err, ErrNotFound)

	rows, err := s.store.ListStepExecutions(s.ctx, "i-1")
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal(api.StepCompleted, rows[0].Status)
	s.Equal(true, rows[0].Output["ok"])

	evs, err := s.store.ListEvents(s.ctx, "i-1")
	s.Require().NoError(err)
	s.Require().Len(evs, 2)
	s.Equal(api.EventWorkflowStarted, evs[0].Type)
	s.Equal(api.EventWorkflowStepCompleted, evs[1].Type)
	s.Less(evs[0].ID, evs[1].ID)
}

func (s *StoreTestSuite) TestInstances_ConcurrentAdvanceOnlyOneWins() {
	s.newInstance("race")

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.store.AdvanceStep(s.ctx, Advance{
				InstanceID:   "race",
				ExpectedStep: 0,
				Execution: api.StepExecution{
					ID: "race-" + string(rune('a'+i)), InstanceID: "race", StepID: "s1", StepIndex: 1,
					Kind: api.StepKindTask, Status: api.StepCompleted, StartedAt: time.Now(),
				},
				Event: api.WorkflowEvent{InstanceID: "race", Type: api.EventWorkflowStepCompleted, Step: 1},
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.EqualValues(1, wins.Load())
	s.EqualValues(7, conflicts.Load())

	got, err := s.store.GetInstance(s.ctx, "race")
	s.Require().NoError(err)
	s.Equal(1, got.CurrentStep)
}

func (s *StoreTestSuite) TestInstances_TransitionGuardsTerminalStates() {
	s.newInstance("t-1")

	paused, err := s.store.Transition(s.ctx, Transition{
		InstanceID: "t-1",
		From:       []api.Status{api.StatusRunning},
		To:         api.StatusPaused,
		Event:      &api.WorkflowEvent{InstanceID: "t-1", Type: api.EventWorkflowPaused},
	})
	s.Require().NoError(err)
	s.Equal(api.StatusPaused, paused.Status)

	_, err = s.store.Transition(s.ctx, Transition{InstanceID: "t-1", From: []api.Status{api.StatusRunning}, To: api.StatusPaused})
	s.ErrorIs(err, ErrConflict)

	now := time.Now()
	failed, err := s.store.Transition(s.ctx, Transition{
		InstanceID:  "t-1",
		From:        []api.Status{api.StatusRunning, api.StatusPaused},
		To:          api.StatusFailed,
		Error:       "boom",
		CompletedAt: &now,
	})
	s.Require().NoError(err)
	s.Equal("boom", failed.Error)
	s.Require().NotNil(failed.CompletedAt)

	_, err = s.store.Transition(s.ctx, Transition{
		InstanceID: "t-1",
		From:       []api.Status{api.StatusRunning, api.StatusPaused},
		To:         api.StatusRunning,
	})
	s.ErrorIs(err, ErrConflict)

	// Steps cannot advance a terminal instance either.
	_, err = s.store.AdvanceStep(s.ctx, Advance{InstanceID: "t-1", ExpectedStep: 0,
		Execution: api.StepExecution{ID: "late", InstanceID: "t-1", StepID: "s1", Status: api.StepCompleted, StartedAt: now}})
	s.ErrorIs(err, ErrConflict)
}

func (s *StoreTestSuite) TestInstances_ScheduleTimer() {
	s.newInstance("timer")

	wake := time.Now().Add(time.Hour).UTC()
	err := s.store.ScheduleTimer(s.ctx, "timer", 0, wake, api.WorkflowEvent{InstanceID: "timer", Type: api.EventWorkflowTimerScheduled, Step: 1})
	s.Require().NoError(err)

	got, err := s.store.GetInstance(s.ctx, "timer")
	s.Require().NoError(err)
	s.Require().NotNil(got.WakeAt)
	s.WithinDuration(wake, *got.WakeAt, time.Millisecond)

	s.ErrorIs(s.store.ScheduleTimer(s.ctx, "timer", 3, wake, api.WorkflowEvent{InstanceID: "timer"}), ErrConflict)
}

func (s *StoreTestSuite) TestInstances_ListFilters() {
	s.newInstance("a")
	s.newInstance("b")
	_, err := s.store.Transition(s.ctx, Transition{InstanceID: "b", From: []api.Status{api.StatusRunning}, To: api.StatusPaused})
	s.Require().NoError(err)

	all, err := s.store.ListInstances(s.ctx, InstanceFilter{DefinitionID: "def-1"})
	s.Require().NoError(err)
	s.Len(all, 2)

	paused, err := s.store.ListInstances(s.ctx, InstanceFilter{Status: api.StatusPaused})
	s.Require().NoError(err)
	s.Require().Len(paused, 1)
	s.Equal("b", paused[0].ID)

	future, err := s.store.ListInstances(s.ctx, InstanceFilter{From: time.Now().Add(time.Hour)})
	s.Require().NoError(err)
	s.Empty(future)
}

func (s *StoreTestSuite) TestInstances_DeleteBefore() {
	s.newInstance("old")
	s.newInstance("live")

	done := time.Now().Add(-48 * time.Hour)
	_, err := s.store.Transition(s.ctx, Transition{
		InstanceID: "old", From: []api.Status{api.StatusRunning}, To: api.StatusCompleted, CompletedAt: &done,
	})
	s.Require().NoError(err)

	n, err := s.store.DeleteInstancesBefore(s.ctx, time.Now().Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.store.GetInstance(s.ctx, "old")
	s.ErrorIs(err, ErrNotFound)
	evs, err := s.store.ListEvents(s.ctx, "old")
	s.Require().NoError(err)
	s.Empty(evs)

	_, err = s.store.GetInstance(s.ctx, "live")
	s.NoError(err)
}

func (s *StoreTestSuite) TestLeases_AcquireRenewRelease() {
	s.newInstance("l-1")

	acq, err := s.store.TryAcquireLease(s.ctx, "l-1", "owner1", time.Minute)
	s.Require().NoError(err)
	s.True(acq, "expected owner1 to acquire")

	acq, err = s.store.TryAcquireLease(s.ctx, "l-1", "owner1", time.Minute)
	s.Require().NoError(err)
	s.True(acq, "lease is re-entrant for the same owner")

	acq, err = s.store.TryAcquireLease(s.ctx, "l-1", "owner2", time.Minute)
	s.Require().NoError(err)
	s.False(acq, "expected owner2 not to acquire while active")

	s.NoError(s.store.RenewLease(s.ctx, "l-1", "owner1", time.Minute))
	s.Error(s.store.RenewLease(s.ctx, "l-1", "owner2", time.Minute))

	s.NoError(s.store.ReleaseLease(s.ctx, "l-1", "owner2"), "release by non-owner is a no-op")
	acq, err = s.store.TryAcquireLease(s.ctx, "l-1", "owner2", time.Minute)
	s.Require().NoError(err)
	s.False(acq)

	s.NoError(s.store.ReleaseLease(s.ctx, "l-1", "owner1"))
	acq, err = s.store.TryAcquireLease(s.ctx, "l-1", "owner2", time.Minute)
	s.Require().NoError(err)
	s.True(acq, "expected owner2 to acquire after release")

	_, err = s.store.TryAcquireLease(s.ctx, "missing", "owner1", time.Minute)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreTestSuite) TestLeases_ExpiredLeaseCanBeTaken() {
	s.newInstance("l-2")

	acq, err := s.store.TryAcquireLease(s.ctx, "l-2", "owner1", 10*time.Millisecond)
	s.Require().NoError(err)
	s.True(acq)

	time.Sleep(30 * time.Millisecond)

	acq, err = s.store.TryAcquireLease(s.ctx, "l-2", "owner2", time.Minute)
	s.Require().NoError(err)
	s.True(acq)
}

func (s *StoreTestSuite) newApproval(id string) *api.ApprovalInstance {
	inst := &api.ApprovalInstance{
		ID: id, WorkflowID: "aw-1", RequestID: "req-" + id, RequestType: "expense",
		Status: api.ApprovalPending, CurrentStep: 1,
		Metadata: map[string]any{"amount": 250},
		Assignments: []api.StepAssignment{
			{StepNumber: 1, ApproverRole: "manager", EscalationRole: "director"},
			{StepNumber: 2, ApproverUserID: "cfo"},
		},
		InitiatedBy: "emp-1",
		InitiatedAt: time.Now(),
	}
	s.Require().NoError(s.store.CreateApprovalInstance(s.ctx, inst))
	return inst
}

func (s *StoreTestSuite) TestApprovals_ApplyActionVersionGuard() {
	s.newApproval("ap-1")

	first, err := s.store.GetApprovalInstance(s.ctx, "ap-1")
	s.Require().NoError(err)
	second, err := s.store.GetApprovalInstance(s.ctx, "ap-1")
	s.Require().NoError(err)

	first.CurrentStep = 2
	err = s.store.ApplyApprovalAction(s.ctx, first, api.ApprovalAction{
		ID: "act-1", InstanceID: "ap-1", StepNumber: 1, Action: api.ActionApprove, ActorID: "m-1", CreatedAt: time.Now(),
	})
	s.Require().NoError(err)
	s.EqualValues(1, first.Version)

	second.Status = api.ApprovalRejected
	err = s.store.ApplyApprovalAction(s.ctx, second, api.ApprovalAction{
		ID: "act-2", InstanceID: "ap-1", StepNumber: 1, Action: api.ActionReject, ActorID: "m-2", CreatedAt: time.Now(),
	})
	s.ErrorIs(err, ErrConflict)

	got, err := s.store.GetApprovalInstance(s.ctx, "ap-1")
	s.Require().NoError(err)
	s.Equal(api.ApprovalPending, got.Status)
	s.Equal(2, got.CurrentStep)
	s.Equal("director", got.Assignments[0].EscalationRole)

	actions, err := s.store.ListApprovalActions(s.ctx, "ap-1")
	s.Require().NoError(err)
	s.Require().Len(actions, 1)
	s.Equal("m-1", actions[0].ActorID)
}

func (s *StoreTestSuite) TestApprovals_TerminalRowsAreImmutable() {
	s.newApproval("ap-2")

	inst, err := s.store.GetApprovalInstance(s.ctx, "ap-2")
	s.Require().NoError(err)

	now := time.Now()
	inst.Status, inst.CompletedAt = api.ApprovalRejected, &now
	s.Require().NoError(s.store.ApplyApprovalAction(s.ctx, inst, api.ApprovalAction{
		ID: "r-1", InstanceID: "ap-2", StepNumber: 1, Action: api.ActionReject, ActorID: "m-1", CreatedAt: now,
	}))

	inst.Status = api.ApprovalApproved
	err = s.store.ApplyApprovalAction(s.ctx, inst, api.ApprovalAction{
		ID: "r-2", InstanceID: "ap-2", StepNumber: 1, Action: api.ActionApprove, ActorID: "m-1", CreatedAt: now,
	})
	s.ErrorIs(err, ErrConflict)
}

func (s *StoreTestSuite) TestApprovals_ListByStatus() {
	s.newApproval("p-1")
	s.newApproval("p-2")

	done := &api.ApprovalInstance{
		ID: "done", WorkflowID: "aw-1", RequestID: "r", RequestType: "expense",
		Status: api.ApprovalApproved, CurrentStep: 1, InitiatedAt: time.Now(),
		Assignments: []api.StepAssignment{{StepNumber: 1}},
	}
	s.Require().NoError(s.store.CreateApprovalInstance(s.ctx, done, api.ApprovalAction{
		ID: "auto", InstanceID: "done", StepNumber: 1, Action: api.ActionApprove, ActorID: api.SystemActor, CreatedAt: time.Now(),
	}))

	pending, err := s.store.ListApprovalInstances(s.ctx, api.ApprovalPending)
	s.Require().NoError(err)
	s.Len(pending, 2)

	all, err := s.store.ListApprovalInstances(s.ctx, "")
	s.Require().NoError(err)
	s.Len(all, 3)

	actions, err := s.store.ListApprovalActions(s.ctx, "done")
	s.Require().NoError(err)
	s.Require().Len(actions, 1)
	s.Equal(api.SystemActor, actions[0].ActorID)

	_, err = s.store.GetApprovalInstance(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
}
