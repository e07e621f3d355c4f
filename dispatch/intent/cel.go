package intent

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// CELRules evaluates optional compound escalation/category rules — e.g.
// "contains a pricing trigger AND mentions a headcount over N" — that a
// plain pattern-set category can't express. Only categories carrying a rule
// expression in config pay the CEL evaluation cost; plain pattern sets never
// touch this type.
type CELRules struct {
	env     *cel.Env
	program map[string]cel.Program
}

// NewCELRules compiles rules (category name -> CEL boolean expression) once
// at startup. The expression sees two variables: `text` (lowercased
// utterance) and `headcount` (int, 0 when unknown).
func NewCELRules(rules map[string]string) (*CELRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("headcount", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL environment: %w", err)
	}

	programs := make(map[string]cel.Program, len(rules))
	for name, expr := range rules {
		if expr == "" {
			continue
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile CEL rule %q: %w", name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to build CEL program for rule %q: %w", name, err)
		}
		programs[name] = prg
	}
	return &CELRules{env: env, program: programs}, nil
}

// Eval reports whether category's compound rule matches. A category with no
// compiled rule always reports false (the plain pattern set already handled
// it, or it has no compound condition at all).
func (r *CELRules) Eval(category, text string, headcount int) (bool, error) {
	if r == nil {
		return false, nil
	}
	prg, ok := r.program[category]
	if !ok {
		return false, nil
	}
	out, _, err := prg.Eval(map[string]any{"text": text, "headcount": headcount})
	if err != nil {
		return false, fmt.Errorf("CEL eval failed for rule %q: %w", category, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL rule %q did not evaluate to bool: %v", category, refTypeName(out))
	}
	return b, nil
}

func refTypeName(v ref.Val) string {
	if v == nil || v.Type() == nil {
		return "<nil>"
	}
	return v.Type().TypeName()
}
