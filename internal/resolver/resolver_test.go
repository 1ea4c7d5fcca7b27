package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func newDirectory() *StaticDirectory {
	d := NewStaticDirectory()
	d.AddUser(api.User{ID: "alice", Email: "alice@example.com"}, "manager")
	d.AddUser(api.User{ID: "bob", Email: "bob@example.com"}, "finance")
	d.AddUser(api.User{ID: "carol", Email: "carol@example.com"}, "finance", "director")
	return d
}

func TestCanAct(t *testing.T) {
	r := New(newDirectory())
	ctx := context.Background()

	cases := []struct {
		name string
		a    api.StepAssignment
		user string
		want bool
	}{
		{"explicit user", api.StepAssignment{ApproverUserID: "alice"}, "alice", true},
		{"other user", api.StepAssignment{ApproverUserID: "alice"}, "bob", false},
		{"role member", api.StepAssignment{ApproverRole: "finance"}, "bob", true},
		{"not in role", api.StepAssignment{ApproverRole: "finance"}, "alice", false},
		{"escalated role overrides approver role", api.StepAssignment{ApproverRole: "finance", EscalatedRole: "director"}, "bob", false},
		{"escalated role member", api.StepAssignment{ApproverRole: "finance", EscalatedRole: "director"}, "carol", true},
		{"escalation clears specific user", api.StepAssignment{ApproverUserID: "alice", EscalatedRole: "director"}, "alice", false},
		{"unassigned allows anyone", api.StepAssignment{}, "dave", true},
		{"empty actor", api.StepAssignment{}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := r.CanAct(ctx, tc.a, tc.user)
			require.NoError(t, err)
			require.Equal(t, tc.want, ok)
		})
	}
}

func TestRecipients(t *testing.T) {
	r := New(newDirectory())
	ctx := context.Background()

	got, err := r.Recipients(ctx, api.StepAssignment{ApproverRole: "finance"})
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, got)

	got, err = r.Recipients(ctx, api.StepAssignment{ApproverUserID: "alice"})
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, got)

	got, err = r.Recipients(ctx, api.StepAssignment{ApproverRole: "finance", EscalatedRole: "director"})
	require.NoError(t, err)
	require.Equal(t, []string{"carol"}, got)

	got, err = r.Recipients(ctx, api.StepAssignment{})
	require.NoError(t, err)
	require.Empty(t, got)
}

type countingDirectory struct {
	*StaticDirectory
	calls int
}

func (d *countingDirectory) ResolveRoles(ctx context.Context, userID string) ([]string, error) {
	d.calls++
	return d.StaticDirectory.ResolveRoles(ctx, userID)
}

func TestPendingFor_FiltersAndCachesRoles(t *testing.T) {
	dir := &countingDirectory{StaticDirectory: newDirectory()}
	r := New(dir)

	pending := func(id string, a api.StepAssignment) *api.ApprovalInstance {
		a.StepNumber = 1
		return &api.ApprovalInstance{ID: id, Status: api.ApprovalPending, CurrentStep: 1, Assignments: []api.StepAssignment{a}}
	}
	instances := []*api.ApprovalInstance{
		pending("a", api.StepAssignment{ApproverRole: "finance"}),
		pending("b", api.StepAssignment{ApproverUserID: "alice"}),
		pending("c", api.StepAssignment{ApproverRole: "director"}),
		{ID: "d", Status: api.ApprovalApproved, CurrentStep: 1, Assignments: []api.StepAssignment{{StepNumber: 1, ApproverRole: "finance"}}},
	}

	got, err := r.PendingFor(context.Background(), "carol", instances)
	require.NoError(t, err)

	var ids []string
	for _, inst := range got {
		ids = append(ids, inst.ID)
	}
	require.Equal(t, []string{"a", "c"}, ids)
	require.Equal(t, 1, dir.calls)
}

type failingDirectory struct{ StaticDirectory }

func (*failingDirectory) ResolveRoles(ctx context.Context, userID string) ([]string, error) {
	return nil, errors.New("ldap unavailable")
}

func TestCanAct_DirectoryError(t *testing.T) {
	r := New(&failingDirectory{})
	_, err := r.CanAct(context.Background(), api.StepAssignment{ApproverRole: "finance"}, "bob")
	require.ErrorContains(t, err, "ldap unavailable")
}
