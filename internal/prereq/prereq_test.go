package prereq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExprEvaluateAndOnOutputCompleted(t *testing.T) {
	a0 := &Atom{ID: 0, Upstream: "a", CyclePoint: "1", RequiredOutput: OutputSucceeded}
	a1 := &Atom{ID: 1, Upstream: "b", CyclePoint: "1", RequiredOutput: OutputSucceeded}
	expr, err := NewExpr("p0 && p1", []*Atom{a0, a1})
	require.NoError(t, err)

	ok, err := expr.Evaluate()
	require.NoError(t, err)
	require.False(t, ok)

	changed := expr.OnOutputCompleted("a", "1", OutputSucceeded)
	require.True(t, changed)
	ok, err = expr.Evaluate()
	require.NoError(t, err)
	require.False(t, ok)

	expr.OnOutputCompleted("b", "1", OutputSucceeded)
	ok, err = expr.Evaluate()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExprDisplay(t *testing.T) {
	a0 := &Atom{ID: 0, Upstream: "a", CyclePoint: "1", RequiredOutput: OutputSucceeded}
	a1 := &Atom{ID: 1, Upstream: "b", CyclePoint: "1", RequiredOutput: OutputSucceeded}
	expr, err := NewExpr("p0 || p1", []*Atom{a0, a1})
	require.NoError(t, err)
	a0.Satisfy(false)
	require.Equal(t, "(0+ | 1-)", expr.Display())
}

func TestMessageEqualityNotSubstring(t *testing.T) {
	a := &Atom{Upstream: "a", CyclePoint: "1", RequiredOutput: "data ready"}
	require.False(t, a.Matches("a", "1", "data ready for stage 2"))
	require.True(t, a.Matches("a", "1", "data ready"))
}

func TestForcedProvenance(t *testing.T) {
	a := &Atom{}
	a.Satisfy(true)
	require.True(t, a.Satisfied())
	require.True(t, a.Forced())
	a.Reset()
	require.False(t, a.Satisfied())
	require.False(t, a.Forced())
}

func TestCompletionDefault(t *testing.T) {
	c, err := DefaultCompletion()
	require.NoError(t, err)
	ok, err := c.Evaluate(map[string]bool{OutputSucceeded: true})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompletionHyphenatedOutput(t *testing.T) {
	c, err := NewCompletion("succeeded || submit-failed", []string{OutputSucceeded, OutputSubmitFailed})
	require.NoError(t, err)
	ok, err := c.Evaluate(map[string]bool{OutputSucceeded: false, OutputSubmitFailed: true})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpandFamilyFailAny(t *testing.T) {
	expr, err := ExpandFamilyFailAny([]string{"m1", "m2"}, "1", func(upstream, point, output string) *Atom {
		return &Atom{Upstream: upstream, CyclePoint: point, RequiredOutput: output}
	})
	require.NoError(t, err)
	ok, err := expr.Evaluate()
	require.NoError(t, err)
	require.False(t, ok)
	expr.OnOutputCompleted("m2", "1", OutputFailed)
	ok, err = expr.Evaluate()
	require.NoError(t, err)
	require.True(t, ok)
}
