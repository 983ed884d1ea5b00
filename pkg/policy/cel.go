// Package policy provides a small CEL engine for matching JWT/delegation
// claims against declarative rules, shared by the relational module's
// role-capability table and the generic HTTP module's IAM-role mapping.
package policy

import (
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"
)

// safeClaimValueRegex whitelists characters permitted in a claim value that
// gets interpolated directly into a generated CEL expression (as opposed
// to a user-authored matcher expression, which is compiled as-is). This
// blocks CEL injection via crafted claim values while covering legitimate
// group/role naming conventions across major identity providers.
var safeClaimValueRegex = regexp.MustCompile(`^[a-zA-Z0-9@.:,;/\-_=+*#!?'~ ]+$`)

// ValidateClaimValue rejects a claim value unsafe for CEL interpolation.
func ValidateClaimValue(value string) error {
	if !safeClaimValueRegex.MatchString(value) {
		return fmt.Errorf("claim value %q contains characters unsafe for CEL interpolation", value)
	}
	return nil
}

// Engine compiles and evaluates CEL expressions against a single "claims"
// variable bound to a map[string]any.
type Engine struct {
	env *cel.Env
}

// NewEngine builds the shared claims-matching CEL environment.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// CompiledExpression is a validated, type-checked CEL program ready for
// repeated evaluation.
type CompiledExpression struct {
	program cel.Program
	source  string
}

// Compile parses, checks, and plans expr.
func (e *Engine) Compile(expr string) (*CompiledExpression, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", expr, err)
	}
	return &CompiledExpression{program: prg, source: expr}, nil
}

// EvaluateBool runs the compiled expression against vars (expected to hold
// a "claims" key) and requires the result to be a boolean.
func (c *CompiledExpression) EvaluateBool(vars map[string]any) (bool, error) {
	out, _, err := c.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a bool", c.source)
	}
	return b, nil
}

// ClaimInExpression builds the generated-form expression used when a rule
// is configured with a bare claim value rather than a hand-authored
// matcher: `"value" in claims["claimName"]`.
func ClaimInExpression(value, claimName string) string {
	return fmt.Sprintf("%q in claims[%q]", value, claimName)
}
