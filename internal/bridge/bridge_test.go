package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

type auditRecord struct {
	eventType, entityID string
	details             map[string]any
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []auditRecord
	err     error
}

func (a *recordingAuditor) Audit(ctx context.Context, eventType, entityID string, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{eventType, entityID, details})
	return a.err
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(ctx context.Context, topic string, payload any) error {
	p.calls++
	return errors.New("broker down")
}

type failingNotifier struct{ recipients []string }

func (n *failingNotifier) Notify(ctx context.Context, channel, recipient, subject, body string) error {
	n.recipients = append(n.recipients, recipient)
	return errors.New("smtp down")
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case m := <-sub.C:
		return m
	case <-time.After(time.Second):
		t.Fatalf("no message on %s", sub.topic)
		return Message{}
	}
}

func TestBridge_WorkflowLifecycleIsAuditedAndBroadcast(t *testing.T) {
	hub := NewHub(nil)
	auditor := &recordingAuditor{}
	b := New(WithAuditor(auditor), WithPublisher(hub))

	perInstance := hub.Subscribe(WorkflowTopic("wf-1"), 8)
	defer perInstance.Unsubscribe()
	all := hub.Subscribe(TopicAllWorkflowEvents, 8)
	defer all.Unsubscribe()

	inst := &api.WorkflowInstance{ID: "wf-1", DefinitionID: "def-1", Status: api.StatusRunning, InitiatedBy: "alice"}
	ctx := context.Background()

	b.OnWorkflowStart(ctx, inst)
	step := api.StepDefinition{ID: "fetch", Kind: api.StepKindTask}
	b.OnStepStart(ctx, inst, step, 1)
	b.OnStepCompleted(ctx, inst, step, 1, nil, 15*time.Millisecond)

	failed := inst.Clone()
	failed.Status = api.StatusFailed
	b.OnWorkflowFailed(ctx, failed, errors.New("boom"))

	var types []string
	for i := 0; i < 4; i++ {
		ev := receive(t, perInstance).Payload.(Event)
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{"WORKFLOW_STARTED", "WORKFLOW_STEP_STARTED", "WORKFLOW_STEP_COMPLETED", "WORKFLOW_FAILED"}, types)

	// Step starts are not sent to the firehose topic.
	require.Equal(t, "WORKFLOW_STARTED", receive(t, all).Payload.(Event).Type)
	require.Equal(t, "WORKFLOW_STEP_COMPLETED", receive(t, all).Payload.(Event).Type)
	last := receive(t, all).Payload.(Event)
	require.Equal(t, "WORKFLOW_FAILED", last.Type)
	require.Equal(t, "boom", last.Error)

	require.Len(t, auditor.records, 3)
	require.Equal(t, "WORKFLOW_STARTED", auditor.records[0].eventType)
	require.Equal(t, "wf-1", auditor.records[0].entityID)
	require.Equal(t, "fetch", auditor.records[1].details["stepId"])
	require.Equal(t, "boom", auditor.records[2].details["error"])
}

func TestBridge_StepFailureUsesFailedType(t *testing.T) {
	auditor := &recordingAuditor{}
	b := New(WithAuditor(auditor))
	inst := &api.WorkflowInstance{ID: "wf-2", Status: api.StatusRunning}

	b.OnStepCompleted(context.Background(), inst, api.StepDefinition{ID: "s"}, 2, errors.New("bad gateway"), time.Second)
	require.Len(t, auditor.records, 1)
	require.Equal(t, "WORKFLOW_STEP_FAILED", auditor.records[0].eventType)
}

func TestBridge_ApprovalActions(t *testing.T) {
	hub := NewHub(nil)
	auditor := &recordingAuditor{}
	b := New(WithAuditor(auditor), WithPublisher(hub))

	sub := hub.Subscribe(ApprovalTopic("ap-1"), 4)
	defer sub.Unsubscribe()

	inst := &api.ApprovalInstance{ID: "ap-1", RequestID: "req-9", RequestType: "expense", Status: api.ApprovalPending, CurrentStep: 2}
	b.OnApprovalAction(context.Background(), inst, api.ApprovalAction{
		InstanceID: "ap-1", StepNumber: 1, Action: api.ActionApprove, ActorID: "alice", Comments: "fine", CreatedAt: time.Now(),
	})

	ev := receive(t, sub).Payload.(Event)
	require.Equal(t, "APPROVAL_APPROVE", ev.Type)
	require.Equal(t, "alice", ev.ActorID)
	require.Equal(t, 2, ev.Step)

	require.Len(t, auditor.records, 1)
	require.Equal(t, "APPROVAL_APPROVE", auditor.records[0].eventType)
	require.Equal(t, "req-9", auditor.records[0].details["requestId"])
	require.Equal(t, "fine", auditor.records[0].details["comments"])
}

func TestBridge_FailuresAreSwallowed(t *testing.T) {
	pub := &failingPublisher{}
	notifier := &failingNotifier{}
	b := New(
		WithAuditor(&recordingAuditor{err: errors.New("audit down")}),
		WithPublisher(pub),
		WithNotifier(notifier),
	)

	inst := &api.WorkflowInstance{ID: "wf-3", Status: api.StatusCompleted}
	require.NotPanics(t, func() {
		b.OnWorkflowCompleted(context.Background(), inst)
		b.NotifyUsers(context.Background(), []string{"alice", "bob"}, "subject", "body")
	})
	require.Equal(t, 2, pub.calls)
	require.Equal(t, []string{"alice", "bob"}, notifier.recipients)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe("t", 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = hub.Publish(context.Background(), "t", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	require.Equal(t, 0, receive(t, sub).Payload)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Equal(t, 0, hub.Subscribers("t"))
	_, open := <-sub.C
	require.False(t, open)
}

func TestMultiPublisher_JoinsErrors(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe("x", 1)
	defer sub.Unsubscribe()

	m := MultiPublisher{hub, nil, &failingPublisher{}}
	err := m.Publish(context.Background(), "x", "payload")
	require.ErrorContains(t, err, "broker down")
	require.Equal(t, "payload", receive(t, sub).Payload)
}

func TestMultiAuditor(t *testing.T) {
	a, b := &recordingAuditor{}, &recordingAuditor{}
	require.NoError(t, MultiAuditor{a, b, LogAuditor{}}.Audit(context.Background(), "E", "id", nil))
	require.Len(t, a.records, 1)
	require.Len(t, b.records, 1)
}
