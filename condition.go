package octoflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionEvaluator evaluates boolean/value expressions against a flat JSON
// context environment. Conditional edges and join "expression" mode are the
// two call sites inside the engine.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, expression string, env map[string]any) (bool, error)
	EvaluateExpression(ctx context.Context, expression string, env map[string]any) (any, error)
	ValidateCondition(expression string) bool
}

// ExprEvaluator implements ConditionEvaluator on expr-lang/expr. Compiled
// programs are cached and reused across goroutines.
type ExprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

var _ ConditionEvaluator = (*ExprEvaluator)(nil)

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

func (e *ExprEvaluator) Evaluate(ctx context.Context, expression string, env map[string]any) (bool, error) {
	out, err := e.EvaluateExpression(ctx, expression, env)
	if err != nil {
		return false, err
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q: expected boolean result, got %T", expression, out)
	}

	return result, nil
}

func (e *ExprEvaluator) EvaluateExpression(_ context.Context, expression string, env map[string]any) (any, error) {
	if expression == "" {
		return nil, fmt.Errorf("empty expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}

	return out, nil
}

func (e *ExprEvaluator) ValidateCondition(expression string) bool {
	if expression == "" {
		return false
	}

	_, err := e.getOrCompile(expression)

	return err == nil
}

func (e *ExprEvaluator) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()

		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}

	e.cache[expression] = prg

	return prg, nil
}
