package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// Task types understood by task steps.
const (
	TaskHTTPRequest      = "HTTP_REQUEST"
	TaskDatabaseQuery    = "DATABASE_QUERY"
	TaskEmailSend        = "EMAIL_SEND"
	TaskDocumentGenerate = "DOCUMENT_GENERATE"
)

// ErrNoDatabase is returned by DATABASE_QUERY tasks when no DB is configured.
var ErrNoDatabase = errors.New("no database configured for DATABASE_QUERY tasks")

func (e *Executor) runTask(ctx context.Context, step api.StepDefinition, vars map[string]any) (map[string]any, error) {
	taskType := stringValue(step.Config, "taskType")
	switch taskType {
	case TaskHTTPRequest:
		return e.httpTask(ctx, step.Config)
	case TaskDatabaseQuery:
		return e.databaseTask(ctx, step.Config)
	case TaskEmailSend:
		return e.emailTask(ctx, step.Config, vars)
	case TaskDocumentGenerate:
		return e.documentTask(step.Config, vars)
	default:
		return nil, fmt.Errorf("%w: %q in step %s", api.ErrUnknownTaskType, taskType, step.ID)
	}
}

func (e *Executor) httpTask(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	req := HTTPRequest{
		Method:  stringValue(cfg, "method"),
		URL:     stringValue(cfg, "url"),
		Headers: stringMap(cfg, "headers"),
		Body:    cfg["body"],
	}
	if secs, ok := floatValue(cfg, "timeoutSeconds"); ok && secs > 0 {
		req.Timeout = time.Duration(secs * float64(time.Second))
	}
	resp, err := e.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"statusCode": resp.StatusCode, "body": resp.Body}, nil
}

func (e *Executor) databaseTask(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	if e.db == nil {
		return nil, ErrNoDatabase
	}
	query := strings.TrimSpace(stringValue(cfg, "query"))
	if !isReadOnlyQuery(query) {
		return nil, fmt.Errorf("DATABASE_QUERY only runs SELECT statements")
	}
	params := listValue(cfg, "params")
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = normalizeParam(p)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []any{}
	}
	return map[string]any{"rows": out, "rowCount": len(out)}, nil
}

func isReadOnlyQuery(q string) bool {
	if q == "" || strings.Contains(strings.TrimSuffix(q, ";"), ";") {
		return false
	}
	head := strings.ToUpper(strings.Fields(q)[0])
	return head == "SELECT" || head == "WITH"
}

func (e *Executor) emailTask(ctx context.Context, cfg map[string]any, vars map[string]any) (map[string]any, error) {
	to := stringList(cfg, "to")
	if len(to) == 0 {
		return nil, fmt.Errorf("EMAIL_SEND requires a recipient")
	}
	subject, err := render("subject", stringValue(cfg, "subject"), vars)
	if err != nil {
		return nil, err
	}
	body, err := render("body", stringValue(cfg, "body"), vars)
	if err != nil {
		return nil, err
	}
	for _, recipient := range to {
		if err := e.notifier.Notify(ctx, "email", recipient, subject, body); err != nil {
			return nil, fmt.Errorf("send email to %s: %w", recipient, err)
		}
	}
	return map[string]any{"emailSent": true, "recipients": len(to)}, nil
}

func (e *Executor) documentTask(cfg map[string]any, vars map[string]any) (map[string]any, error) {
	name := stringValue(cfg, "name")
	if name == "" {
		name = "document"
	}
	doc, err := render(name, stringValue(cfg, "template"), vars)
	if err != nil {
		return nil, err
	}
	return map[string]any{"document": doc, "documentName": name}, nil
}

func render(name, text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return b.String(), nil
}
