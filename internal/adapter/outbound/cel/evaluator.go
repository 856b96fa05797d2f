// Package cel compiles and evaluates CEL conditions attached to policy rules.
package cel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// maxExpressionLength is the maximum allowed length for CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single CEL evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Activation is the variable set a rule condition can reference.
type Activation struct {
	Method  string
	Path    string
	Service string
	AgentIP string
	Hour    int
}

// Evaluator compiles and evaluates CEL expressions for policy rule conditions.
type Evaluator struct {
	env *cel.Env
}

// NewRuleEnvironment creates a CEL environment for rule conditions. Conditions
// see the request method, the upstream path, the service name, the agent IP,
// and the local hour of day, plus two helpers:
//   - glob(pattern, value): filepath-style glob match
//   - ip_in_cidr(ip, cidr): membership test against a CIDR range
func NewRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("service", cel.StringType),
		cel.Variable("agent_ip", cel.StringType),
		cel.Variable("hour", cel.IntType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p := pattern.Value().(string)
					v := value.Value().(string)
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),

		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ipVal, cidrVal ref.Val) ref.Val {
					ip := net.ParseIP(ipVal.Value().(string))
					if ip == nil {
						return types.Bool(false)
					}
					_, network, err := net.ParseCIDR(cidrVal.Value().(string))
					if err != nil {
						return types.Bool(false)
					}
					return types.Bool(network.Contains(ip))
				}),
			),
		),
	)
}

// NewEvaluator creates a CEL evaluator with the rule environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewRuleEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create rule environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a CEL expression, returning a compiled program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that a CEL expression is syntactically valid and
// within the safety limits (expression length, nesting depth). Used when a
// rule condition arrives from config or an override write.
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	if expr == "" {
		return errors.New("expression is empty")
	}

	if err := validateNesting(expr); err != nil {
		return err
	}

	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}

	return nil
}

// Evaluate runs a compiled CEL program against the given activation. Returns
// true only when the expression evaluates to a boolean true. Evaluation is
// bounded by a timeout so a pathological expression cannot stall a request.
func (e *Evaluator) Evaluate(prg cel.Program, act Activation) (bool, error) {
	vars := map[string]any{
		"method":   act.Method,
		"path":     act.Path,
		"service":  act.Service,
		"agent_ip": act.AgentIP,
		"hour":     act.Hour,
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}
