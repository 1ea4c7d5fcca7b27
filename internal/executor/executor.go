// Package executor runs single workflow steps.
//
// An Executor is stateless with respect to instances: it receives the
// instance and step, performs the step's side effect and returns the output
// to merge into the instance variables. Errors are returned unchanged to the
// caller, which decides the instance's fate.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/stepflow/internal/condition"
	"github.com/petrijr/stepflow/pkg/api"
)

const tracerName = "stepflow/executor"

// Config holds the collaborators available to step handlers. Zero values
// get usable defaults.
type Config struct {
	Logger       *slog.Logger
	Evaluator    *condition.Evaluator
	Integrations *IntegrationRegistry
	Notifier     api.Notifier

	// DB serves DATABASE_QUERY tasks. Without it those tasks fail.
	DB *sql.DB

	HTTPClient *http.Client
	HTTP       HTTPPolicy

	// Now is used for timer steps. Defaults to time.Now.
	Now func() time.Time
}

// Executor dispatches steps to the handler for their kind.
type Executor struct {
	logger       *slog.Logger
	evaluator    *condition.Evaluator
	integrations *IntegrationRegistry
	notifier     api.Notifier
	db           *sql.DB
	http         *HTTPCaller
	tracer       trace.Tracer
	now          func() time.Time
}

// New creates an Executor from cfg.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = condition.NewEvaluator(logger)
	}
	integrations := cfg.Integrations
	if integrations == nil {
		integrations = NewIntegrationRegistry()
	}
	var notifier api.Notifier = api.NoopNotifier{}
	if cfg.Notifier != nil {
		notifier = cfg.Notifier
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		logger:       logger,
		evaluator:    evaluator,
		integrations: integrations,
		notifier:     notifier,
		db:           cfg.DB,
		http:         NewHTTPCaller(cfg.HTTPClient, cfg.HTTP),
		tracer:       otel.Tracer(tracerName),
		now:          now,
	}
}

// Execute runs step (1-based stepIndex) against inst and returns the output
// to merge into the instance variables. A timer that has not fired yet
// returns *api.TimerPendingError.
func (e *Executor) Execute(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, stepIndex int) (map[string]any, error) {
	ctx, span := e.tracer.Start(ctx, "executor.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.id", inst.ID),
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(step.Kind)),
		attribute.Int("step.index", stepIndex),
	)

	out, err := e.dispatch(ctx, inst, step)
	if err != nil {
		if pending, ok := api.IsTimerPending(err); ok {
			span.SetAttributes(attribute.String("timer.wake_at", pending.WakeAt.Format(time.RFC3339Nano)))
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (e *Executor) dispatch(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition) (map[string]any, error) {
	vars := inst.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	switch step.Kind {
	case api.StepKindTask:
		return e.runTask(ctx, step, vars)
	case api.StepKindDecision:
		return e.runDecision(ctx, step, vars), nil
	case api.StepKindIntegration:
		return e.runIntegration(ctx, step, vars)
	case api.StepKindTimer:
		return e.runTimer(inst, step)
	default:
		return nil, fmt.Errorf("%w: step %q has unknown kind %q", api.ErrInvalidDefinition, step.ID, step.Kind)
	}
}
