package prereq

import (
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/pkg/errors"
)

// Completion is a task's `completion` expression over its own output names
// (spec.md §3: "A completion expression over output names determines
// whether a proxy is output-complete"), e.g. "succeeded || failed".
type Completion struct {
	compiled *govaluate.EvaluableExpression
	outputs  []string
}

// NewCompletion compiles a completion expression. Hyphenated output names
// like "submit-failed" are rewritten to govaluate-safe identifiers by
// sanitize (see below) before compiling.
func NewCompletion(expr string, outputs []string) (*Completion, error) {
	safe := expr
	for _, o := range outputs {
		if sanitize(o) != o {
			safe = strings.ReplaceAll(safe, o, sanitize(o))
		}
	}
	compiled, err := govaluate.NewEvaluableExpressionWithFunctions(safe, map[string]govaluate.ExpressionFunction{})
	if err != nil {
		return nil, errors.Wrapf(err, "compile completion expression %q", expr)
	}
	return &Completion{compiled: compiled, outputs: outputs}, nil
}

// Evaluate reports whether the proxy is output-complete given its current
// completed-output set.
func (c *Completion) Evaluate(completed map[string]bool) (bool, error) {
	params := make(map[string]interface{}, len(c.outputs))
	for _, o := range c.outputs {
		params[sanitize(o)] = completed[o]
	}
	result, err := c.compiled.Evaluate(params)
	if err != nil {
		return false, errors.Wrap(err, "evaluate completion expression")
	}
	b, ok := result.(bool)
	if !ok {
		return false, errors.Errorf("completion expression did not evaluate to a boolean: %v", result)
	}
	return b, nil
}

// sanitize turns a hyphenated output name like "submit-failed" into a
// govaluate-safe identifier "submit_failed".
func sanitize(output string) string {
	out := make([]byte, len(output))
	for i := 0; i < len(output); i++ {
		if output[i] == '-' {
			out[i] = '_'
		} else {
			out[i] = output[i]
		}
	}
	return string(out)
}

// DefaultCompletion returns the default "succeeded" completion expression
// for tasks that don't declare one explicitly.
func DefaultCompletion() (*Completion, error) {
	return NewCompletion("succeeded", []string{OutputSucceeded})
}
