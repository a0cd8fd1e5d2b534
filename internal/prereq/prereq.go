// Package prereq implements the Prerequisite & Output Model (spec.md C2):
// boolean expression trees over satisfaction atoms, and the per-proxy
// output-completion sets those atoms are ultimately satisfied against.
package prereq

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/pkg/errors"
)

// Output names with a fixed, spec-defined meaning. Custom outputs are any
// other string.
const (
	OutputSubmitted    = "submitted"
	OutputStarted      = "started"
	OutputSucceeded    = "succeeded"
	OutputFailed       = "failed"
	OutputSubmitFailed = "submit-failed"
	OutputExpired      = "expired"
)

// Atom is a satisfaction leaf: (upstream_name, upstream_cycle_point,
// required_output). CyclePoint is the formatted point string so atoms stay
// comparable/printable without importing the cycle package's interface
// types directly.
type Atom struct {
	ID               int
	Upstream         string
	CyclePoint       string
	RequiredOutput   string
	satisfied        bool
	forcedSatisfied  bool // provenance: set via explicit operator override
}

// Satisfied reports the atom's current bit.
func (a *Atom) Satisfied() bool { return a.satisfied }

// Forced reports whether the atom's satisfaction was a manual override.
func (a *Atom) Forced() bool { return a.forcedSatisfied }

// Satisfy marks the atom satisfied. forced provenance is recorded for
// manual operator overrides (spec.md §3: "optional forced-satisfied
// provenance for manual overrides").
func (a *Atom) Satisfy(forced bool) {
	a.satisfied = true
	a.forcedSatisfied = forced
}

// Reset clears the atom's bit. Per spec.md §3 this is allowed only via an
// explicit operator command ("force-reset to unsatisfied"); callers outside
// the operator-command path must not call Reset.
func (a *Atom) Reset() {
	a.satisfied = false
	a.forcedSatisfied = false
}

func (a *Atom) String() string {
	return fmt.Sprintf("%s.%s:%s", a.Upstream, a.CyclePoint, a.RequiredOutput)
}

// Matches reports whether (upstream, point, output) satisfies this atom by
// exact message equality, per spec.md §4.2 ("a custom output is satisfied
// by message equality, not substring").
func (a *Atom) Matches(upstream, point, output string) bool {
	return a.Upstream == upstream && a.CyclePoint == point && a.RequiredOutput == output
}

// Expr is a boolean expression tree of atoms combined with And/Or.
type Expr struct {
	mu    sync.RWMutex
	Atoms []*Atom // leaves, in display order; Atom.ID indexes into this
	// Formula is a govaluate-compatible boolean expression over p0..pN,
	// where pN refers to Atoms[N]. E.g. "(p0 || p1) && p2" expresses
	// "((1|0) & 2)" in cylc's own display notation.
	Formula string

	compiled *govaluate.EvaluableExpression
}

// NewExpr compiles formula once; atoms are referenced as p<index>.
func NewExpr(formula string, atoms []*Atom) (*Expr, error) {
	compiled, err := govaluate.NewEvaluableExpression(formula)
	if err != nil {
		return nil, errors.Wrapf(err, "compile prerequisite expression %q", formula)
	}
	return &Expr{Atoms: atoms, Formula: formula, compiled: compiled}, nil
}

// Evaluate reports the tree's current satisfaction, evaluating the compiled
// govaluate formula against each atom's live satisfied bit.
func (e *Expr) Evaluate() (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	params := make(map[string]interface{}, len(e.Atoms))
	for i, a := range e.Atoms {
		params[fmt.Sprintf("p%d", i)] = a.satisfied
	}
	result, err := e.compiled.Evaluate(params)
	if err != nil {
		return false, errors.Wrap(err, "evaluate prerequisite expression")
	}
	b, ok := result.(bool)
	if !ok {
		return false, errors.Errorf("prerequisite expression did not evaluate to a boolean: %v", result)
	}
	return b, nil
}

// OnOutputCompleted marks every atom matching (upstream, point, output) and
// returns true if any atom changed, so the task pool knows to re-evaluate.
func (e *Expr) OnOutputCompleted(upstream, point, output string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := false
	for _, a := range e.Atoms {
		if !a.satisfied && a.Matches(upstream, point, output) {
			a.Satisfy(false)
			changed = true
		}
	}
	return changed
}

// Display renders the expression in cylc's `((1 | 0) & (3 | 2))`-style
// notation with per-atom +/- satisfaction markers (spec.md §4.2).
func (e *Expr) Display() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	body := regexp.MustCompile(`\bp(\d+)\b`).ReplaceAllStringFunc(e.Formula, func(ref string) string {
		i, err := strconv.Atoi(ref[1:])
		if err != nil || i >= len(e.Atoms) {
			return ref
		}
		mark := "-"
		if e.Atoms[i].satisfied {
			mark = "+"
		}
		return fmt.Sprintf("%d%s", e.Atoms[i].ID, mark)
	})
	return "(" + strings.NewReplacer("&&", "&", "||", "|").Replace(body) + ")"
}

// ExpandFamilyFailAny builds an OR formula fragment over a family's member
// task atoms at the same cycle point/offset, per spec.md §4.2
// (":fail-any over a family expands to an OR over the family's task atoms").
func ExpandFamilyFailAny(members []string, point string, atomFactory func(upstream, point, output string) *Atom) (*Expr, error) {
	atoms := make([]*Atom, 0, len(members))
	terms := make([]string, 0, len(members))
	for i, m := range members {
		atoms = append(atoms, atomFactory(m, point, OutputFailed))
		terms = append(terms, fmt.Sprintf("p%d", i))
	}
	return NewExpr(strings.Join(terms, " || "), atoms)
}
