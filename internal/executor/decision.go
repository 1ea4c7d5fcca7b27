package executor

import (
	"context"
	"log/slog"

	"github.com/petrijr/stepflow/pkg/api"
)

// runDecision picks the first condition that holds, else the default path.
// The chosen path is recorded as "path" in the output; it does not alter
// which step runs next.
func (e *Executor) runDecision(ctx context.Context, step api.StepDefinition, vars map[string]any) map[string]any {
	conds, defaultPath := api.ParseDecisionConfig(step.Config)

	path := defaultPath
	matched := -1
	for i, c := range conds {
		if e.evaluator.EvaluateOrFalse(ctx, c.Expression, vars) {
			path = c.TargetPath
			matched = i
			break
		}
	}

	e.logger.DebugContext(ctx, "decision_evaluated",
		slog.String("step", step.ID),
		slog.String("path", path),
		slog.Int("matched_condition", matched),
	)
	return map[string]any{"path": path}
}
