// Package definitions loads workflow definitions and approval chains from
// YAML files.
//
// A file holds one or more YAML documents of the form:
//
//	workflows:
//	  - name: invoice
//	    steps:
//	      - stepId: render
//	        kind: task
//	        config: {taskType: DOCUMENT_GENERATE, template: "Invoice {{.id}}"}
//	approvals:
//	  - name: Purchase
//	    requestType: purchase
//	    steps:
//	      - approverRole: finance
//	        timeoutHours: 48
package definitions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/stepflow/pkg/api"
)

// Bundle is the decoded content of a definitions file.
type Bundle struct {
	Workflows []api.WorkflowDefinition `yaml:"workflows"`
	Approvals []api.ApprovalWorkflow   `yaml:"approvals"`
}

// Target is what a Bundle is applied to.
type Target interface {
	CreateDefinition(ctx context.Context, def api.WorkflowDefinition) (*api.WorkflowDefinition, error)
	CreateApprovalWorkflow(ctx context.Context, wf api.ApprovalWorkflow) (*api.ApprovalWorkflow, error)
}

// Parse decodes every document in data, numbers approval steps that leave
// stepNumber out, and validates the result.
func Parse(data []byte) (*Bundle, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("definitions: payload is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out Bundle
	for {
		var doc Bundle
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("definitions: decode: %w", err)
		}
		out.Workflows = append(out.Workflows, doc.Workflows...)
		out.Approvals = append(out.Approvals, doc.Approvals...)
	}

	for i := range out.Approvals {
		for j := range out.Approvals[i].Steps {
			if out.Approvals[i].Steps[j].StepNumber == 0 {
				out.Approvals[i].Steps[j].StepNumber = j + 1
			}
		}
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (*Bundle, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("definitions: read %s: %w", path, err)
	}
	b, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Validate checks every definition in the bundle.
func (b *Bundle) Validate() error {
	var errs []error
	for _, def := range b.Workflows {
		if err := def.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("workflow %q: %w", def.Name, err))
		}
	}
	for _, wf := range b.Approvals {
		if err := wf.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("approval workflow %q: %w", wf.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Result lists what Apply created.
type Result struct {
	Workflows []*api.WorkflowDefinition
	Approvals []*api.ApprovalWorkflow
}

// Apply creates every definition in b on t, in file order. It stops at the
// first failure and returns what was created so far.
func Apply(ctx context.Context, t Target, b *Bundle) (*Result, error) {
	res := &Result{}
	for _, def := range b.Workflows {
		created, err := t.CreateDefinition(ctx, def)
		if err != nil {
			return res, fmt.Errorf("create workflow %q: %w", def.Name, err)
		}
		res.Workflows = append(res.Workflows, created)
	}
	for _, wf := range b.Approvals {
		created, err := t.CreateApprovalWorkflow(ctx, wf)
		if err != nil {
			return res, fmt.Errorf("create approval workflow %q: %w", wf.Name, err)
		}
		res.Approvals = append(res.Approvals, created)
	}
	return res, nil
}
