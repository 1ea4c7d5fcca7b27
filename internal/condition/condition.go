// Package condition evaluates decision expressions and auto-approval rules
// against a variable bag.
//
// Expressions use a small fixed grammar: literals (numbers, quoted strings,
// true, false, null), variable paths (a.b[0].c), the comparisons
// == != > >= < <=, and the combinators && || ! (or the words and, or, not)
// with parentheses. Nothing is compiled to or executed as code.
package condition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Program is a parsed expression, safe for concurrent use.
type Program struct {
	src  string
	root node
}

// Compile parses src.
func Compile(src string) (*Program, error) {
	root, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", src, err)
	}
	return &Program{src: src, root: root}, nil
}

// Eval runs the program. Unknown variables evaluate to nil.
func (p *Program) Eval(vars map[string]any) bool {
	return truthy(p.root.eval(vars))
}

// String returns the source text.
func (p *Program) String() string { return p.src }

// Evaluate parses and evaluates expr in one call.
func Evaluate(expr string, vars map[string]any) (bool, error) {
	p, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return p.Eval(vars), nil
}

// defaultCacheSize bounds the number of parsed programs kept by an Evaluator.
const defaultCacheSize = 512

// Evaluator caches parsed programs. It is owned by whoever constructs it
// and is safe for concurrent use.
type Evaluator struct {
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Program
	limit int
}

// NewEvaluator returns an Evaluator. If logger is nil, slog.Default() is used.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		logger: logger,
		cache:  make(map[string]*Program),
		limit:  defaultCacheSize,
	}
}

// Evaluate is like the package-level Evaluate but reuses parsed programs.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	p, err := e.program(expr)
	if err != nil {
		return false, err
	}
	return p.Eval(vars), nil
}

// EvaluateOrFalse treats malformed expressions as false and logs them, so a
// single bad condition does not block workflow progress.
func (e *Evaluator) EvaluateOrFalse(ctx context.Context, expr string, vars map[string]any) bool {
	ok, err := e.Evaluate(expr, vars)
	if err != nil {
		e.logger.WarnContext(ctx, "condition_invalid",
			slog.String("expression", expr),
			slog.Any("error", err),
		)
		return false
	}
	return ok
}

func (e *Evaluator) program(expr string) (*Program, error) {
	e.mu.RLock()
	p, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := Compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.cache) >= e.limit {
		// Reset when full.
		e.cache = make(map[string]*Program)
	}
	e.cache[expr] = p
	e.mu.Unlock()
	return p, nil
}
