package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApprovalWorkflowValidate(t *testing.T) {
	ok := ApprovalWorkflow{
		RequestType: "purchase",
		Steps: []ApprovalStep{
			{StepNumber: 1, ApproverUserID: "manager", TimeoutHours: 24},
			{StepNumber: 2, ApproverRole: "finance"},
		},
	}
	require.NoError(t, ok.Validate())

	bad := []ApprovalWorkflow{
		{Steps: ok.Steps},
		{RequestType: "purchase"},
		{RequestType: "purchase", Steps: []ApprovalStep{{StepNumber: 2}}},
		{RequestType: "purchase", Steps: []ApprovalStep{{StepNumber: 1, ApproverUserID: "u", ApproverRole: "r"}}},
		{RequestType: "purchase", Steps: []ApprovalStep{{StepNumber: 1, TimeoutHours: -1}}},
	}
	for i, wf := range bad {
		if err := wf.Validate(); !errors.Is(err, ErrInvalidDefinition) {
			t.Fatalf("case %d: Validate() = %v, want ErrInvalidDefinition", i, err)
		}
	}
}

func TestStepAssignmentEffectiveApprover(t *testing.T) {
	user := StepAssignment{ApproverUserID: "manager", ApproverRole: "ignored", EscalationRole: "director"}
	require.Equal(t, "manager", user.EffectiveUser())
	require.Empty(t, user.EffectiveRole())
	require.False(t, user.Unassigned())
	require.False(t, user.Escalated())

	role := StepAssignment{ApproverRole: "finance"}
	require.Empty(t, role.EffectiveUser())
	require.Equal(t, "finance", role.EffectiveRole())

	escalated := user
	escalated.EscalatedRole = "director"
	require.Empty(t, escalated.EffectiveUser())
	require.Equal(t, "director", escalated.EffectiveRole())
	require.True(t, escalated.Escalated())

	require.True(t, StepAssignment{}.Unassigned())
}

func TestAssignmentsFromSteps(t *testing.T) {
	got := AssignmentsFromSteps([]ApprovalStep{
		{StepNumber: 1, ApproverUserID: "m", EscalationRole: "d", TimeoutHours: 4},
		{StepNumber: 2, ApproverRole: "f"},
	})
	require.Equal(t, []StepAssignment{
		{StepNumber: 1, ApproverUserID: "m", EscalationRole: "d", TimeoutHours: 4},
		{StepNumber: 2, ApproverRole: "f"},
	}, got)
}

func TestApprovalInstanceCloneAndAssignment(t *testing.T) {
	inst := &ApprovalInstance{
		CurrentStep: 2,
		Metadata:    map[string]any{"amount": 10},
		Assignments: []StepAssignment{{StepNumber: 1}, {StepNumber: 2, ApproverRole: "finance"}},
	}
	require.Equal(t, "finance", inst.CurrentAssignment().ApproverRole)
	require.Nil(t, inst.Assignment(3))

	cp := inst.Clone()
	cp.Assignments[1].EscalatedRole = "director"
	cp.Metadata["amount"] = 20
	require.Empty(t, inst.Assignments[1].EscalatedRole)
	require.Equal(t, 10, inst.Metadata["amount"])
}

func TestActionTypeValid(t *testing.T) {
	for _, a := range []ActionType{ActionApprove, ActionReject, ActionDelegate, ActionEscalate, ActionComment} {
		require.True(t, a.Valid(), a)
	}
	require.False(t, ActionType("VETO").Valid())
}
