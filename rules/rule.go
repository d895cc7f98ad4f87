package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides whether a guard expression holds for an environment.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator evaluates guards with expr-lang/expr and caches compiled programs.
type ExprEvaluator struct {
	cache   map[string]*vm.Program
	derived map[string]func(env map[string]interface{}) interface{}
	mu      sync.RWMutex
}

// NewExprEvaluator creates an evaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		derived: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddDerived registers a variable computed from the environment before every evaluation.
func (e *ExprEvaluator) AddDerived(name string, f func(env map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derived[name] = f
}

// Evaluate runs expression against env. An empty expression always holds.
// Programs are compiled without a typed environment so one cached program
// serves every item; unknown variables evaluate to nil.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	e.mu.RLock()
	runEnv := make(map[string]interface{}, len(env)+len(e.derived))
	for k, v := range env {
		runEnv[k] = v
	}
	for k, f := range e.derived {
		runEnv[k] = f(env)
	}
	e.mu.RUnlock()

	result, err := expr.Run(program, runEnv)
	if err != nil {
		return false, err
	}

	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
