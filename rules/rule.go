// Package rules evaluates the boolean expressions that drive decision
// branch selection and loop guards.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates a rule expression against an input context.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator implements Evaluator on expr-lang/expr with a compiled
// program cache. Programs compile with undefined variables allowed so a
// cached program stays valid for every env shape; a reference to a key
// the env lacks simply evaluates against nil.
type ExprEvaluator struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	helpers map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator returns an evaluator with an empty cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		helpers: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// RegisterHelper exposes a computed value to every expression under the
// given name. The function is called with the env of each evaluation.
func (e *ExprEvaluator) RegisterHelper(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.helpers[name] = f
}

// Evaluate compiles (or reuses) the expression and runs it against env.
// The expression must produce a boolean.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	if env == nil {
		env = make(map[string]interface{})
	}
	e.mu.RLock()
	for name, f := range e.helpers {
		env[name] = f(env)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, result)
}
