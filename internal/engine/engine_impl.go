package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/executor"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/resolver"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// UserNotifier sends a message to a set of users. Delivery is best-effort.
type UserNotifier interface {
	NotifyUsers(ctx context.Context, recipients []string, subject, body string)
}

type noopUserNotifier struct{}

func (noopUserNotifier) NotifyUsers(context.Context, []string, string, string) {}

// Config describes how to construct an engine. Store is required; other
// zero values get in-process defaults.
type Config struct {
	Store    persistence.Store
	Queue    taskqueue.Queue
	Executor *executor.Executor
	Resolver *resolver.Resolver
	Observer api.Observer
	Notifier UserNotifier
	Logger   *slog.Logger

	// Owner prefixes lease owner names. Defaults to a random ID.
	Owner string
	// LeaseTTL bounds how long a crashed runner blocks an instance.
	LeaseTTL time.Duration
	// RetryDelay is how long a run waits before retrying a leased instance.
	RetryDelay time.Duration

	Now func() time.Time
}

// engineImpl implements both controllers on top of a Store and a Queue.
// It holds no per-instance state; everything lives in the store.
type engineImpl struct {
	store    persistence.Store
	queue    taskqueue.Queue
	executor *executor.Executor
	resolver *resolver.Resolver
	observer api.Observer
	notifier UserNotifier
	logger   *slog.Logger

	owner      string
	leaseTTL   time.Duration
	retryDelay time.Duration
	now        func() time.Time
}

var _ api.Orchestrator = (*engineImpl)(nil)

// NewEngineWithConfig creates a new engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &engineImpl{
		store:      cfg.Store,
		queue:      cfg.Queue,
		executor:   cfg.Executor,
		resolver:   cfg.Resolver,
		observer:   cfg.Observer,
		notifier:   cfg.Notifier,
		logger:     logger,
		owner:      cfg.Owner,
		leaseTTL:   cfg.LeaseTTL,
		retryDelay: cfg.RetryDelay,
		now:        cfg.Now,
	}
	if e.queue == nil {
		e.queue = taskqueue.NewInMemoryQueue()
	}
	if e.executor == nil {
		e.executor = executor.New(executor.Config{Logger: logger})
	}
	if e.resolver == nil {
		e.resolver = resolver.New(nil)
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.notifier == nil {
		e.notifier = noopUserNotifier{}
	}
	if e.owner == "" {
		e.owner = "engine-" + uuid.NewString()[:8]
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = time.Minute
	}
	if e.retryDelay <= 0 {
		e.retryDelay = 100 * time.Millisecond
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// NewInMemoryEngine returns an engine backed by an in-memory store that
// schedules work on q.
func NewInMemoryEngine(q taskqueue.Queue) api.Orchestrator {
	return NewEngineWithConfig(Config{
		Store: persistence.NewInMemoryStore(),
		Queue: q,
	})
}

// NewSQLiteEngine returns an engine whose store and task queue share db.
func NewSQLiteEngine(ctx context.Context, db *sql.DB) (api.Orchestrator, taskqueue.Queue, error) {
	store, err := persistence.NewSQLiteStore(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(ctx, db, 0)
	if err != nil {
		return nil, nil, err
	}
	return NewEngineWithConfig(Config{Store: store, Queue: q}), q, nil
}

// NewPostgresEngine returns an engine whose store and task queue share db.
func NewPostgresEngine(ctx context.Context, db *sql.DB) (api.Orchestrator, taskqueue.Queue, error) {
	store, err := persistence.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	q, err := taskqueue.NewPostgresQueue(ctx, db, 0)
	if err != nil {
		return nil, nil, err
	}
	return NewEngineWithConfig(Config{Store: store, Queue: q}), q, nil
}

func (e *engineImpl) timestamp() time.Time {
	return e.now().UTC()
}

// CreateDefinition validates def and stores it as the next version of its
// name. New definitions are active.
func (e *engineImpl) CreateDefinition(ctx context.Context, def api.WorkflowDefinition) (*api.WorkflowDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	latest, err := e.store.LatestDefinitionVersion(ctx, def.Name)
	if err != nil {
		return nil, err
	}

	def.ID = uuid.NewString()
	def.Version = latest + 1
	def.IsActive = true
	def.CreatedAt = e.timestamp()

	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "definition_created",
		slog.String("definition_id", def.ID),
		slog.String("name", def.Name),
		slog.Int("version", def.Version),
	)
	return &def, nil
}

func (e *engineImpl) GetDefinition(ctx context.Context, id string) (*api.WorkflowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, mapDefinitionErr(err, id)
	}
	return &def, nil
}

func (e *engineImpl) DeactivateDefinition(ctx context.Context, id string) error {
	if err := e.store.SetDefinitionActive(ctx, id, false); err != nil {
		return mapDefinitionErr(err, id)
	}
	return nil
}

func (e *engineImpl) StartInstance(ctx context.Context, definitionID string, variables map[string]any, initiatedBy string) (*api.WorkflowInstance, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, mapDefinitionErr(err, definitionID)
	}
	if !def.IsActive {
		return nil, fmt.Errorf("%w: %s is inactive", api.ErrDefinitionNotFound, definitionID)
	}

	now := e.timestamp()
	inst := &api.WorkflowInstance{
		ID:             uuid.NewString(),
		DefinitionID:   def.ID,
		DefinitionName: def.Name,
		Status:         api.StatusRunning,
		Variables:      api.CloneMap(variables),
		InitiatedBy:    initiatedBy,
		InitiatedAt:    now,
	}
	started := api.WorkflowEvent{
		InstanceID:   inst.ID,
		DefinitionID: def.ID,
		Type:         api.EventWorkflowStarted,
		At:           now,
		Payload:      map[string]any{"initiatedBy": initiatedBy, "variables": inst.Variables},
	}
	if err := e.store.CreateInstance(ctx, inst, started); err != nil {
		return nil, err
	}
	e.observer.OnWorkflowStart(ctx, inst)

	if err := e.enqueue(ctx, taskqueue.NewTask(taskqueue.TaskTypeRunInstance, inst.ID, time.Time{})); err != nil {
		// The instance stays RUNNING and is picked up by RecoverInstances.
		return inst, fmt.Errorf("schedule instance %s: %w", inst.ID, err)
	}
	return inst, nil
}

func (e *engineImpl) GetInstanceStatus(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, mapInstanceErr(err, id)
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, persistence.InstanceFilter{
		DefinitionID: opts.DefinitionID,
		Status:       opts.Status,
		From:         opts.From,
		To:           opts.To,
	})
}

func (e *engineImpl) PauseInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, mapInstanceErr(err, id)
	}
	if inst.Status != api.StatusRunning {
		return nil, fmt.Errorf("%w: instance %s is %s", api.ErrNotRunning, id, inst.Status)
	}

	updated, err := e.store.Transition(ctx, persistence.Transition{
		InstanceID: id,
		From:       []api.Status{api.StatusRunning},
		To:         api.StatusPaused,
		Event: &api.WorkflowEvent{
			InstanceID:   id,
			DefinitionID: inst.DefinitionID,
			Type:         api.EventWorkflowPaused,
			At:           e.timestamp(),
			Step:         inst.CurrentStep,
		},
	})
	if errors.Is(err, persistence.ErrConflict) {
		return nil, fmt.Errorf("%w: instance %s changed state", api.ErrNotRunning, id)
	}
	if err != nil {
		return nil, mapInstanceErr(err, id)
	}
	e.observer.OnWorkflowPaused(ctx, updated)
	return updated, nil
}

func (e *engineImpl) ResumeInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, mapInstanceErr(err, id)
	}
	if inst.Status != api.StatusPaused {
		return nil, fmt.Errorf("%w: instance %s is %s", api.ErrNotPaused, id, inst.Status)
	}

	updated, err := e.store.Transition(ctx, persistence.Transition{
		InstanceID: id,
		From:       []api.Status{api.StatusPaused},
		To:         api.StatusRunning,
		Event: &api.WorkflowEvent{
			InstanceID:   id,
			DefinitionID: inst.DefinitionID,
			Type:         api.EventWorkflowResumed,
			At:           e.timestamp(),
			Step:         inst.CurrentStep,
		},
	})
	if errors.Is(err, persistence.ErrConflict) {
		return nil, fmt.Errorf("%w: instance %s changed state", api.ErrNotPaused, id)
	}
	if err != nil {
		return nil, mapInstanceErr(err, id)
	}
	e.observer.OnWorkflowResumed(ctx, updated)

	if err := e.enqueue(ctx, taskqueue.NewTask(taskqueue.TaskTypeRunInstance, id, time.Time{})); err != nil {
		return updated, fmt.Errorf("schedule instance %s: %w", id, err)
	}
	return updated, nil
}

// CancelInstance fails a RUNNING or PAUSED instance on behalf of actor. An
// in-flight step is not interrupted, but its result is discarded.
func (e *engineImpl) CancelInstance(ctx context.Context, id string, actor string) (*api.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, mapInstanceErr(err, id)
	}
	if inst.Status.Terminal() {
		return nil, fmt.Errorf("%w: instance %s is %s", api.ErrNotRunning, id, inst.Status)
	}

	msg := "cancelled by " + actor
	now := e.timestamp()
	t := persistence.Transition{
		InstanceID:  id,
		From:        []api.Status{api.StatusRunning, api.StatusPaused},
		To:          api.StatusFailed,
		Error:       msg,
		CompletedAt: &now,
		Event: &api.WorkflowEvent{
			InstanceID:   id,
			DefinitionID: inst.DefinitionID,
			Type:         api.EventWorkflowFailed,
			At:           now,
			Step:         inst.CurrentStep,
			Payload:      map[string]any{"error": msg, "cancelledBy": actor},
		},
	}
	if open := e.openExecution(ctx, inst); open != nil {
		open.Status = api.StepFailed
		open.Error = msg
		open.CompletedAt = &now
		t.Execution = open
	}

	updated, err := e.store.Transition(ctx, t)
	if errors.Is(err, persistence.ErrConflict) {
		return nil, fmt.Errorf("%w: instance %s changed state", api.ErrNotRunning, id)
	}
	if err != nil {
		return nil, mapInstanceErr(err, id)
	}
	e.observer.OnWorkflowFailed(ctx, updated, errors.New(msg))
	return updated, nil
}

// openExecution returns the RUNNING execution row of the instance's next
// step, if any.
func (e *engineImpl) openExecution(ctx context.Context, inst *api.WorkflowInstance) *api.StepExecution {
	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil
	}
	next := inst.CurrentStep + 1
	if next > len(def.Steps) {
		return nil
	}
	open, err := e.store.OpenStepExecution(ctx, inst.ID, def.Steps[next-1].ID)
	if err != nil {
		return nil
	}
	return open
}

func (e *engineImpl) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	return e.store.ListEvents(ctx, instanceID)
}

func (e *engineImpl) ListStepExecutions(ctx context.Context, instanceID string) ([]api.StepExecution, error) {
	return e.store.ListStepExecutions(ctx, instanceID)
}

// PurgeBefore deletes terminal instances completed before cutoff.
func (e *engineImpl) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := e.store.DeleteInstancesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	e.logger.InfoContext(ctx, "instances_purged", slog.Int("count", n), slog.Time("cutoff", cutoff))
	return n, nil
}

func (e *engineImpl) enqueue(ctx context.Context, t taskqueue.Task) error {
	return e.queue.Enqueue(ctx, t)
}

func mapDefinitionErr(err error, id string) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%w: %s", api.ErrDefinitionNotFound, id)
	}
	return err
}

func mapInstanceErr(err error, id string) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
	}
	return err
}
