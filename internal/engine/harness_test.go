package engine

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/executor"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/resolver"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/worker"
)

type notification struct {
	recipients []string
	subject    string
}

type recordingUserNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingUserNotifier) NotifyUsers(ctx context.Context, recipients []string, subject, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{recipients: append([]string(nil), recipients...), subject: subject})
}

func (n *recordingUserNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type harness struct {
	eng      api.Orchestrator
	store    persistence.Store
	queue    taskqueue.Queue
	worker   *worker.Worker
	dir      *resolver.StaticDirectory
	notifier *recordingUserNotifier
}

// drain runs queued tasks until nothing becomes due for a short while.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	_, err := h.worker.Drain(context.Background(), 150*time.Millisecond)
	require.NoError(t, err)
}

func (h *harness) waitStatus(t *testing.T, id string, want api.Status) *api.WorkflowInstance {
	t.Helper()
	var inst *api.WorkflowInstance
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.drain(t)
		var err error
		inst, err = h.eng.GetInstanceStatus(context.Background(), id)
		require.NoError(t, err)
		if inst.Status == want {
			return inst
		}
	}
	t.Fatalf("instance %s: expected status %s, got %s", id, want, inst.Status)
	return nil
}

type harnessOption func(*Config)

func withNow(now func() time.Time) harnessOption {
	return func(c *Config) { c.Now = now }
}

func withExecutor(x *executor.Executor) harnessOption {
	return func(c *Config) { c.Executor = x }
}

type backend struct {
	name     string
	newStore func(t *testing.T) (persistence.Store, taskqueue.Queue)
}

func memoryBackend(t *testing.T) (persistence.Store, taskqueue.Queue) {
	return persistence.NewInMemoryStore(), taskqueue.NewInMemoryQueue()
}

func sqliteBackend(t *testing.T) (persistence.Store, taskqueue.Queue) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	store, err := persistence.NewSQLiteStore(ctx, db)
	require.NoError(t, err)
	q, err := taskqueue.NewSQLiteQueue(ctx, db, 5*time.Millisecond)
	require.NoError(t, err)
	return store, q
}

var backends = []backend{
	{name: "in-memory", newStore: memoryBackend},
	{name: "sqlite", newStore: sqliteBackend},
}

func newHarnessOn(t *testing.T, b backend, opts ...harnessOption) *harness {
	t.Helper()
	store, q := b.newStore(t)

	h := &harness{
		store:    store,
		queue:    q,
		dir:      resolver.NewStaticDirectory(),
		notifier: &recordingUserNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		Store:      store,
		Queue:      q,
		Resolver:   resolver.New(h.dir),
		Notifier:   h.notifier,
		Logger:     logger,
		RetryDelay: 5 * time.Millisecond,
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.eng = NewEngineWithConfig(cfg)
	h.worker = worker.NewWithConfig(h.eng, q, worker.Config{RetryDelay: 5 * time.Millisecond, Logger: logger})
	return h
}

// forEachBackend runs fn once per store/queue backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) { fn(t, b) })
	}
}

func documentStep(id, name, tmpl string) api.StepDefinition {
	return api.StepDefinition{
		ID:   id,
		Kind: api.StepKindTask,
		Config: map[string]any{
			"taskType": executor.TaskDocumentGenerate,
			"name":     name,
			"template": tmpl,
		},
	}
}

func (h *harness) createDefinition(t *testing.T, name string, steps ...api.StepDefinition) *api.WorkflowDefinition {
	t.Helper()
	def, err := h.eng.CreateDefinition(context.Background(), api.WorkflowDefinition{Name: name, Steps: steps})
	require.NoError(t, err)
	return def
}

// restart builds a second engine on the same store with an empty queue, as
// a process restart would.
func (h *harness) restart(t *testing.T) *harness {
	t.Helper()
	b := backend{name: "restart", newStore: func(*testing.T) (persistence.Store, taskqueue.Queue) {
		return h.store, taskqueue.NewInMemoryQueue()
	}}
	return newHarnessOn(t, b)
}

func eventTypes(t *testing.T, eng api.Engine, id string) []api.EventType {
	t.Helper()
	events, err := eng.ListEvents(context.Background(), id)
	require.NoError(t, err)
	out := make([]api.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}
