package expr

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Environment builds and compiles CEL programs used to validate upstream
// response payloads before they enter the cache.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to validate expressions:
// the request path and the decoded payload (a map for JSON objects, a string
// for text bodies).
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("payload", cel.DynType),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL validation program yielding a boolean verdict.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares the program for execution, ensuring the expression yields a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	if e == nil || e.env == nil {
		return Program{}, fmt.Errorf("expr: environment not initialized")
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must yield a boolean, got %s", expression, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", expression, err)
	}
	return Program{source: expression, program: program}, nil
}

// EvalBool executes the program against the provided activation and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }
