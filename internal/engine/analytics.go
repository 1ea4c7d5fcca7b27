package engine

import (
	"context"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// GetAnalytics counts instances by status over the query window.
// SuccessRate is completed/(completed+failed), so running instances do
// not lower it. StepFailures counts failed step attempts of failed
// instances by step ID.
func (e *engineImpl) GetAnalytics(ctx context.Context, q api.AnalyticsQuery) (*api.Analytics, error) {
	insts, err := e.store.ListInstances(ctx, persistence.InstanceFilter{
		DefinitionID: q.DefinitionID,
		From:         q.From,
		To:           q.To,
	})
	if err != nil {
		return nil, err
	}

	out := &api.Analytics{StepFailures: map[string]int{}}
	var completionTotal time.Duration

	for _, inst := range insts {
		out.Total++
		switch inst.Status {
		case api.StatusRunning:
			out.Running++
		case api.StatusPaused:
			out.Paused++
		case api.StatusCompleted:
			out.Completed++
			if inst.CompletedAt != nil {
				completionTotal += inst.CompletedAt.Sub(inst.InitiatedAt)
			}
		case api.StatusFailed:
			out.Failed++
			execs, err := e.store.ListStepExecutions(ctx, inst.ID)
			if err != nil {
				return nil, err
			}
			for _, x := range execs {
				if x.Status == api.StepFailed && x.Error != interruptedError {
					out.StepFailures[x.StepID]++
				}
			}
		}
	}

	if finished := out.Completed + out.Failed; finished > 0 {
		out.SuccessRate = float64(out.Completed) / float64(finished)
	}
	if out.Completed > 0 {
		out.AverageCompletionTime = completionTotal / time.Duration(out.Completed)
	}
	return out, nil
}
