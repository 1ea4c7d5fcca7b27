package stepflow

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	flow := stepflow.New("Onboarding").
//	    Document("welcome", "letter", "Welcome {{.name}}").
//	    Email("send", []string{"{{.email}}"}, "Welcome", "{{.document}}").
//	    Timer("cool-off", 24*time.Hour).
//	    Task("provision", "HTTP_REQUEST", map[string]any{"method": "POST", "url": provisionURL})
//
//	def, err := flow.Create(ctx, engine)
//	inst, err := stepflow.Start(ctx, engine, def.ID, vars, "alice")
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Name:  name,
			Steps: make([]api.StepDefinition, 0),
		},
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Category sets the definition category.
func (b *FlowBuilder) Category(c string) *FlowBuilder {
	b.def.Category = c
	return b
}

// Description sets the definition description.
func (b *FlowBuilder) Description(d string) *FlowBuilder {
	b.def.Description = d
	return b
}

// Template marks the definition as a template.
func (b *FlowBuilder) Template() *FlowBuilder {
	b.def.IsTemplate = true
	return b
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = append([]api.StepDefinition(nil), b.def.Steps...)
	return def
}

// Step appends a prepared step to the workflow.
func (b *FlowBuilder) Step(step StepDefinition) *FlowBuilder {
	if step.ID == "" {
		panic("stepflow: step id must not be empty")
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// Task appends a task step.
func (b *FlowBuilder) Task(id, taskType string, config map[string]any) *FlowBuilder {
	return b.Step(TaskStep(id, taskType, config))
}

// Document appends a DOCUMENT_GENERATE task.
func (b *FlowBuilder) Document(id, name, tmpl string) *FlowBuilder {
	return b.Step(DocumentStep(id, name, tmpl))
}

// Email appends an EMAIL_SEND task.
func (b *FlowBuilder) Email(id string, to []string, subject, body string) *FlowBuilder {
	return b.Step(EmailStep(id, to, subject, body))
}

// Decide appends a decision step.
func (b *FlowBuilder) Decide(id, defaultPath string, conds ...Condition) *FlowBuilder {
	return b.Step(DecisionStep(id, defaultPath, conds...))
}

// Integration appends an integration step.
func (b *FlowBuilder) Integration(id, name string, payload map[string]any) *FlowBuilder {
	return b.Step(IntegrationStep(id, name, payload))
}

// Timer appends a timer step.
func (b *FlowBuilder) Timer(id string, d time.Duration) *FlowBuilder {
	return b.Step(TimerStep(id, d))
}

// Create validates and stores the built workflow as the next version of
// its name.
func (b *FlowBuilder) Create(ctx context.Context, eng Engine) (*WorkflowDefinition, error) {
	return eng.CreateDefinition(ctx, b.Definition())
}

// MustCreate is like Create but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustCreate(ctx context.Context, eng Engine) *WorkflowDefinition {
	def, err := b.Create(ctx, eng)
	if err != nil {
		panic(err)
	}
	return def
}

// ApprovalBuilder defines an approval chain:
//
//	chain := stepflow.NewApproval("Purchase", "purchase").
//	    User("manager-1").EscalateTo("director").Timeout(24).
//	    Role("finance").
//	    AutoApprove(map[string]any{"amount": 100})
type ApprovalBuilder struct {
	wf api.ApprovalWorkflow
}

// NewApproval creates an approval builder for requestType.
func NewApproval(name, requestType string) *ApprovalBuilder {
	return &ApprovalBuilder{wf: api.ApprovalWorkflow{Name: name, RequestType: requestType}}
}

func (b *ApprovalBuilder) add(s api.ApprovalStep) *ApprovalBuilder {
	s.StepNumber = len(b.wf.Steps) + 1
	b.wf.Steps = append(b.wf.Steps, s)
	return b
}

func (b *ApprovalBuilder) last() *api.ApprovalStep {
	if len(b.wf.Steps) == 0 {
		panic("stepflow: add an approval step first")
	}
	return &b.wf.Steps[len(b.wf.Steps)-1]
}

// User appends a step decided by one specific user.
func (b *ApprovalBuilder) User(userID string) *ApprovalBuilder {
	return b.add(api.ApprovalStep{ApproverUserID: userID})
}

// Role appends a step any member of role may decide.
func (b *ApprovalBuilder) Role(role string) *ApprovalBuilder {
	return b.add(api.ApprovalStep{ApproverRole: role})
}

// Anyone appends a step without an assigned approver.
func (b *ApprovalBuilder) Anyone() *ApprovalBuilder {
	return b.add(api.ApprovalStep{})
}

// EscalateTo sets the escalation role of the last step.
func (b *ApprovalBuilder) EscalateTo(role string) *ApprovalBuilder {
	b.last().EscalationRole = role
	return b
}

// Timeout sets the decision deadline of the last step in hours.
func (b *ApprovalBuilder) Timeout(hours int) *ApprovalBuilder {
	if hours < 0 {
		panic(fmt.Sprintf("stepflow: negative timeout %d", hours))
	}
	b.last().TimeoutHours = hours
	return b
}

// AutoApprove sets the auto-approval rules.
func (b *ApprovalBuilder) AutoApprove(rules map[string]any) *ApprovalBuilder {
	b.wf.AutoApprovalRules = api.CloneMap(rules)
	return b
}

// Workflow returns the built ApprovalWorkflow.
func (b *ApprovalBuilder) Workflow() ApprovalWorkflow {
	wf := b.wf
	wf.Steps = append([]api.ApprovalStep(nil), b.wf.Steps...)
	return wf
}

// Create stores the chain as the active workflow for its request type.
func (b *ApprovalBuilder) Create(ctx context.Context, eng ApprovalEngine) (*ApprovalWorkflow, error) {
	return eng.CreateApprovalWorkflow(ctx, b.Workflow())
}
