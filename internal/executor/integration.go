package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// IntegrationType is the kind of outbound call an integration makes.
type IntegrationType string

const (
	IntegrationWebhook IntegrationType = "WEBHOOK"
	IntegrationAPI     IntegrationType = "API"
)

// IntegrationConfig describes the endpoint of an integration.
type IntegrationConfig struct {
	URL            string            `json:"url" yaml:"url" mapstructure:"url"`
	Method         string            `json:"method,omitempty" yaml:"method,omitempty" mapstructure:"method"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" mapstructure:"headers"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty" mapstructure:"timeout_seconds"`
}

// WorkflowIntegration is a named outbound endpoint steps can call.
type WorkflowIntegration struct {
	Name   string            `json:"name" yaml:"name" mapstructure:"name"`
	Type   IntegrationType   `json:"type" yaml:"type" mapstructure:"type"`
	Config IntegrationConfig `json:"config" yaml:"config" mapstructure:"config"`
}

// ErrUnknownIntegration is returned for a step naming an unregistered integration.
var ErrUnknownIntegration = errors.New("unknown integration")

// IntegrationRegistry holds the integrations known to an executor.
type IntegrationRegistry struct {
	mu    sync.RWMutex
	items map[string]WorkflowIntegration
}

// NewIntegrationRegistry creates a registry holding the given integrations.
func NewIntegrationRegistry(items ...WorkflowIntegration) *IntegrationRegistry {
	r := &IntegrationRegistry{items: make(map[string]WorkflowIntegration)}
	for _, it := range items {
		_ = r.Register(it)
	}
	return r
}

// Register adds or replaces an integration.
func (r *IntegrationRegistry) Register(it WorkflowIntegration) error {
	if it.Name == "" {
		return fmt.Errorf("integration name is required")
	}
	switch it.Type {
	case IntegrationWebhook, IntegrationAPI:
	default:
		return fmt.Errorf("integration %q has unknown type %q", it.Name, it.Type)
	}
	if it.Config.URL == "" {
		return fmt.Errorf("integration %q has no url", it.Name)
	}
	r.mu.Lock()
	r.items[it.Name] = it
	r.mu.Unlock()
	return nil
}

// Get looks up an integration by name.
func (r *IntegrationRegistry) Get(name string) (WorkflowIntegration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[name]
	return it, ok
}

// Names lists registered integrations in sorted order.
func (r *IntegrationRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// runIntegration calls the integration named by config "integration". A
// webhook always POSTs {instanceVariables, payload}; an API call uses the
// configured method and sends the step payload as the body.
func (e *Executor) runIntegration(ctx context.Context, step api.StepDefinition, vars map[string]any) (map[string]any, error) {
	name := stringValue(step.Config, "integration")
	it, ok := e.integrations.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q in step %s", ErrUnknownIntegration, name, step.ID)
	}

	payload := step.Config["payload"]
	req := HTTPRequest{
		URL:     it.Config.URL,
		Headers: it.Config.Headers,
		Timeout: time.Duration(it.Config.TimeoutSeconds) * time.Second,
	}
	switch it.Type {
	case IntegrationWebhook:
		req.Method = http.MethodPost
		req.Body = map[string]any{"step": step.ID, "variables": vars, "payload": payload}
	case IntegrationAPI:
		req.Method = it.Config.Method
		if req.Method == "" {
			req.Method = http.MethodPost
		}
		if req.Method != http.MethodGet && payload != nil {
			req.Body = payload
		}
	}

	resp, err := e.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("integration %s: %w", name, err)
	}
	return map[string]any{
		"integration": name,
		"statusCode":  resp.StatusCode,
		"response":    resp.Body,
	}, nil
}
