// Package cel provides an optional CEL expression layer for custom
// policy rules. A rule's structured predicate is the primary gate; a
// cel expression, when present, must also hold.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/imran-siddique/agentos/internal/domain/action"
)

// maxExpressionLength caps rule expressions at load time.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth caps parenthesis/bracket/brace nesting.
const maxNestingDepth = 50

// evalTimeout bounds a single expression evaluation.
const evalTimeout = 100 * time.Millisecond

// interruptCheckFreq is how often (in comprehension iterations)
// context cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates rule expressions.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator builds an evaluator whose environment exposes the same
// attribute universe as structured conditions: args, context, agent,
// plus tool_name and action_type.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("agent", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("action_type", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses, checks, and validates an expression, returning a
// program ready for repeated evaluation.
func (e *Evaluator) Compile(expr string) (cel.Program, error) {
	if err := validate(expr); err != nil {
		return nil, err
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return prg, nil
}

func validate(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	var depth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxNestingDepth {
				return fmt.Errorf("expression nesting too deep (max %d)", maxNestingDepth)
			}
		case ')', ']', '}':
			depth--
		}
	}
	return nil
}

// Evaluate runs a compiled program against a request. Non-boolean
// results and evaluation errors count as not matched with an error for
// the caller to record.
func (e *Evaluator) Evaluate(ctx context.Context, prg cel.Program, req *action.ExecutionRequest) (bool, error) {
	activation := map[string]interface{}{
		"args":    nonNilMap(req.Arguments),
		"context": nonNilMap(req.Context),
		"agent": map[string]string{
			"id":   req.Agent.ID,
			"role": req.Agent.Role,
		},
		"tool_name":   req.ToolName,
		"action_type": req.Type.String(),
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, fmt.Errorf("cel evaluation: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression returned %T, want bool", result.Value())
	}
	return b, nil
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
