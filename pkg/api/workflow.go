package api

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepKind selects the executor used for a step.
type StepKind string

const (
	StepKindTask        StepKind = "task"
	StepKindDecision    StepKind = "decision"
	StepKindIntegration StepKind = "integration"
	StepKindTimer       StepKind = "timer"
)

// EndPath is the sentinel decision target meaning "finish the workflow".
const EndPath = "end"

// Position is editor metadata only; the engine ignores it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// StepDefinition describes one step of a workflow definition.
type StepDefinition struct {
	ID       string         `json:"stepId" yaml:"stepId"`
	Kind     StepKind       `json:"kind" yaml:"kind"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Position *Position      `json:"position,omitempty" yaml:"position,omitempty"`
}

// WorkflowDefinition describes a workflow as an ordered sequence of steps.
//
// A definition is immutable once an instance references it. Creating a
// definition with an existing Name produces a new Version instead of
// changing the old one.
type WorkflowDefinition struct {
	ID          string           `json:"id" yaml:"id,omitempty"`
	Name        string           `json:"name" yaml:"name"`
	Version     int              `json:"version" yaml:"version,omitempty"`
	Category    string           `json:"category,omitempty" yaml:"category,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	IsTemplate  bool             `json:"isTemplate" yaml:"isTemplate"`
	IsActive    bool             `json:"isActive" yaml:"isActive"`
	CreatedAt   time.Time        `json:"createdAt" yaml:"-"`
}

// StepIndex returns the 1-based position of the step with the given id, or 0.
func (d WorkflowDefinition) StepIndex(id string) int {
	for i, s := range d.Steps {
		if s.ID == id {
			return i + 1
		}
	}
	return 0
}

// Validate checks the structural invariants of a definition.
func (d WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: workflow must have at least one step", ErrInvalidDefinition)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step id is required", ErrInvalidDefinition)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidDefinition, s.ID)
		}
		seen[s.ID] = struct{}{}

		switch s.Kind {
		case StepKindTask, StepKindDecision, StepKindIntegration, StepKindTimer:
		default:
			return fmt.Errorf("%w: step %q has unknown kind %q", ErrInvalidDefinition, s.ID, s.Kind)
		}
	}

	for _, s := range d.Steps {
		if s.Kind != StepKindDecision {
			continue
		}
		for _, target := range DecisionTargets(s.Config) {
			if target == EndPath {
				continue
			}
			if _, ok := seen[target]; !ok {
				return fmt.Errorf("%w: decision step %q targets unknown step %q", ErrInvalidDefinition, s.ID, target)
			}
		}
	}
	return nil
}

// DecisionCondition is one ordered branch of a decision step.
type DecisionCondition struct {
	Expression string
	TargetPath string
}

// ParseDecisionConfig reads the conditions and default path of a decision
// step. Conditions may be given as []any (decoded JSON/YAML) or as
// []map[string]any.
func ParseDecisionConfig(cfg map[string]any) ([]DecisionCondition, string) {
	var raw []map[string]any
	switch v := cfg["conditions"].(type) {
	case []map[string]any:
		raw = v
	case []any:
		for _, c := range v {
			if m, ok := c.(map[string]any); ok {
				raw = append(raw, m)
			}
		}
	}

	conds := make([]DecisionCondition, 0, len(raw))
	for _, m := range raw {
		expr, _ := m["expression"].(string)
		target, _ := m["targetPath"].(string)
		conds = append(conds, DecisionCondition{Expression: expr, TargetPath: target})
	}
	def, _ := cfg["defaultPath"].(string)
	return conds, def
}

// DecisionTargets lists every path named by a decision step config,
// including the default path.
func DecisionTargets(cfg map[string]any) []string {
	conds, def := ParseDecisionConfig(cfg)
	var out []string
	for _, c := range conds {
		if c.TargetPath != "" {
			out = append(out, c.TargetPath)
		}
	}
	if def != "" {
		out = append(out, def)
	}
	return out
}

// WorkflowInstance is one execution of a WorkflowDefinition.
type WorkflowInstance struct {
	ID             string         `json:"id"`
	DefinitionID   string         `json:"definitionId"`
	DefinitionName string         `json:"definitionName"`
	Status         Status         `json:"status"`
	Variables      map[string]any `json:"variables"`
	InitiatedBy    string         `json:"initiatedBy"`
	InitiatedAt    time.Time      `json:"initiatedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`

	// CurrentStep is the 1-based index of the last successfully completed
	// step. 0 means no step has completed yet.
	CurrentStep int `json:"currentStep"`

	// Error holds the message that moved the instance to FAILED.
	Error string `json:"error,omitempty"`

	// WakeAt is set while a timer step is waiting to fire.
	WakeAt *time.Time `json:"wakeAt,omitempty"`

	// Version increases on every persisted change.
	Version int64 `json:"version"`
}

// Clone returns a copy that does not share the variables map.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Variables = CloneMap(i.Variables)
	return &cp
}

// StepExecutionStatus is the state of a single step attempt.
type StepExecutionStatus string

const (
	StepRunning   StepExecutionStatus = "RUNNING"
	StepCompleted StepExecutionStatus = "COMPLETED"
	StepFailed    StepExecutionStatus = "FAILED"
)

// StepExecution is the append-only log row written for each step attempt.
type StepExecution struct {
	ID          string              `json:"id"`
	InstanceID  string              `json:"instanceId"`
	StepID      string              `json:"stepId"`
	StepIndex   int                 `json:"stepIndex"`
	Kind        StepKind            `json:"kind"`
	Status      StepExecutionStatus `json:"status"`
	Input       map[string]any      `json:"input,omitempty"`
	Output      map[string]any      `json:"output,omitempty"`
	Error       string              `json:"error,omitempty"`
	StartedAt   time.Time           `json:"startedAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	DefinitionID string
	Status       Status
	From         time.Time
	To           time.Time
}

// AnalyticsQuery selects the instances GetAnalytics aggregates over.
type AnalyticsQuery struct {
	DefinitionID string
	From         time.Time
	To           time.Time
}

// Analytics summarises workflow instances.
type Analytics struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	SuccessRate           float64        `json:"successRate"`
	AverageCompletionTime time.Duration  `json:"averageCompletionTime"`
	StepFailures          map[string]int `json:"stepFailures"`
}

// TimerPendingError is returned by the timer executor when the step has to
// wait. The controller persists WakeAt and schedules a re-entry instead of
// blocking the worker.
type TimerPendingError struct {
	StepID string
	WakeAt time.Time
}

func (e *TimerPendingError) Error() string {
	return fmt.Sprintf("timer step %s waiting until %s", e.StepID, e.WakeAt.Format(time.RFC3339Nano))
}

// IsTimerPending returns the pending timer carried by err, if any.
func IsTimerPending(err error) (*TimerPendingError, bool) {
	var t *TimerPendingError
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}

// CloneMap makes a shallow copy of m. A nil map yields an empty map.
func CloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
