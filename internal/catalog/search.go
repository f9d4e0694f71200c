package catalog

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled rule search expression, for example
// `ruleset == "emerging-dns" && priority <= 2 && msg.contains("DNS")`.
type Filter struct {
	expr    string
	program cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("sid", cel.IntType),
		cel.Variable("rev", cel.IntType),
		cel.Variable("msg", cel.StringType),
		cel.Variable("raw", cel.StringType),
		cel.Variable("ruleset", cel.StringType),
		cel.Variable("ruleclass", cel.StringType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("active", cel.BoolType),
		cel.Variable("generator", cel.StringType),
		cel.Variable("references", cel.ListType(cel.StringType)),
	)
}

// Compile parses and type-checks a search expression. It must return a
// boolean.
func (c *Catalog) Compile(expr string) (*Filter, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return boolean, got %v", ast.OutputType())
	}
	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return &Filter{expr: expr, program: program}, nil
}

func (f *Filter) String() string { return f.expr }

// Match evaluates the filter against a rule.
func (f *Filter) Match(r *RuleView) (bool, error) {
	refs := make([]string, 0, len(r.References))
	for _, ref := range r.References {
		refs = append(refs, ref.Type+","+ref.Value)
	}
	out, _, err := f.program.Eval(map[string]any{
		"sid":        int64(r.SID),
		"rev":        int64(r.Rev),
		"msg":        r.Msg,
		"raw":        r.Raw,
		"ruleset":    r.RuleSet,
		"ruleclass":  r.RuleClass,
		"priority":   int64(r.Priority),
		"active":     r.Active,
		"generator":  r.Generator,
		"references": refs,
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter returned non-boolean: %T", out.Value())
	}
	return matched, nil
}
