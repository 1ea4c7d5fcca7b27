package stepflow

import (
	"time"

	"github.com/petrijr/stepflow/internal/executor"
	"github.com/petrijr/stepflow/pkg/api"
)

// Step kinds.
const (
	KindTask        = api.StepKindTask
	KindDecision    = api.StepKindDecision
	KindIntegration = api.StepKindIntegration
	KindTimer       = api.StepKindTimer
)

// EndPath is the decision target that finishes the workflow.
const EndPath = api.EndPath

// Condition is one ordered branch of a decision step.
type Condition struct {
	Expression string
	TargetPath string
}

// When builds a decision branch.
func When(expression, targetPath string) Condition {
	return Condition{Expression: expression, TargetPath: targetPath}
}

// TaskStep returns a task step of the given task type. Extra config keys
// are passed to the task handler unchanged.
func TaskStep(id, taskType string, config map[string]any) StepDefinition {
	cfg := api.CloneMap(config)
	cfg["taskType"] = taskType
	return StepDefinition{ID: id, Kind: KindTask, Config: cfg}
}

// HTTPRequestStep calls url with method. Its output is {statusCode, body}.
func HTTPRequestStep(id, method, url string, body any) StepDefinition {
	cfg := map[string]any{"method": method, "url": url}
	if body != nil {
		cfg["body"] = body
	}
	return TaskStep(id, executor.TaskHTTPRequest, cfg)
}

// DatabaseQueryStep runs a read-only query. Its output is {rows, rowCount}.
func DatabaseQueryStep(id, query string, params ...any) StepDefinition {
	cfg := map[string]any{"query": query}
	if len(params) > 0 {
		cfg["params"] = params
	}
	return TaskStep(id, executor.TaskDatabaseQuery, cfg)
}

// EmailStep sends a templated message to the given recipients.
func EmailStep(id string, to []string, subject, body string) StepDefinition {
	recipients := make([]any, 0, len(to))
	for _, r := range to {
		recipients = append(recipients, r)
	}
	return TaskStep(id, executor.TaskEmailSend, map[string]any{
		"to":      recipients,
		"subject": subject,
		"body":    body,
	})
}

// DocumentStep renders tmpl against the instance variables into
// {document, documentName}.
func DocumentStep(id, name, tmpl string) StepDefinition {
	return TaskStep(id, executor.TaskDocumentGenerate, map[string]any{"name": name, "template": tmpl})
}

// DecisionStep records the first matching branch's target as the
// "path" variable, or defaultPath when none matches.
func DecisionStep(id, defaultPath string, conds ...Condition) StepDefinition {
	raw := make([]any, 0, len(conds))
	for _, c := range conds {
		raw = append(raw, map[string]any{"expression": c.Expression, "targetPath": c.TargetPath})
	}
	cfg := map[string]any{"conditions": raw}
	if defaultPath != "" {
		cfg["defaultPath"] = defaultPath
	}
	return StepDefinition{ID: id, Kind: KindDecision, Config: cfg}
}

// IntegrationStep calls the named integration with payload.
func IntegrationStep(id, integration string, payload map[string]any) StepDefinition {
	cfg := map[string]any{"integration": integration}
	if payload != nil {
		cfg["payload"] = payload
	}
	return StepDefinition{ID: id, Kind: KindIntegration, Config: cfg}
}

// TimerStep waits d without occupying a worker.
func TimerStep(id string, d time.Duration) StepDefinition {
	return StepDefinition{
		ID:     id,
		Kind:   KindTimer,
		Config: map[string]any{"duration": d.Milliseconds(), "unit": "milliseconds"},
	}
}
