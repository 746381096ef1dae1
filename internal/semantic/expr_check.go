package semantic

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/dkod-io/dk-server/pkg/model"
)

// ExprCheck evaluates a user-supplied boolean expression for every symbol
// in the After snapshot (symbols are not filtered by ChangedFiles),
// grounded on pkg/workflow/expression/evaluator.go's use of
// github.com/expr-lang/expr for condition evaluation — adapted here from
// "workflow step conditions" to "per-symbol pass/fail predicates".
//
// The expression sees "symbol" (name), "public", "unsafe", and
// "changedFiles" in its environment and must evaluate to a bool; false
// produces an error-severity Finding for that symbol.
type ExprCheck struct {
	CheckName  string
	Expression string
	Message    string
}

func (c *ExprCheck) Name() string { return c.CheckName }

func (c *ExprCheck) Run(_ context.Context, cc CheckContext) ([]model.Finding, error) {
	program, err := expr.Compile(c.Expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling expr check %q: %w", c.CheckName, err)
	}

	var findings []model.Finding
	for _, sym := range cc.After.Symbols {
		env := map[string]any{
			"symbol":       sym.Name,
			"public":       sym.Public,
			"unsafe":       sym.Unsafe,
			"changedFiles": cc.ChangedFiles,
		}
		result, err := expr.Run(program, env)
		if err != nil {
			return findings, fmt.Errorf("running expr check %q on %s: %w", c.CheckName, sym.Name, err)
		}
		ok, _ := result.(bool)
		if !ok {
			findings = append(findings, model.Finding{
				Severity:  model.SeverityError,
				CheckName: c.CheckName,
				Message:   c.Message,
				File:      sym.File,
				Line:      sym.Line,
				Symbol:    sym.Name,
			})
		}
	}
	return findings, nil
}
