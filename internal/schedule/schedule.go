// Package schedule holds per-function loop directives: dimension splits
// and reorders plus the compute/store anchor. A schedule is an external
// annotation keyed by function id, so the same graph can be lowered
// under many alternative schedules without cloning it.
package schedule

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/theotherphil/prism/internal/ast"
	"github.com/theotherphil/prism/internal/graph"
)

// Schedule errors. A failed mutation leaves every prior entry intact, so
// callers can retry with a corrected call.
var (
	ErrUnknownDimension = errors.New("unknown dimension")
	ErrInvalidAnchor    = errors.New("invalid anchor")
	ErrBadDirective     = errors.New("invalid schedule directive")
)

// AnchorKind distinguishes root placement from compute-at placement.
type AnchorKind int

const (
	// Root computes and stores the function once, outside all consumer
	// loops. This is the default for every function.
	Root AnchorKind = iota
	// At recomputes and stores the function inside the loop over one
	// consumer variable, once per iteration of that variable.
	At
)

// Anchor names the loop level at which a function's values are computed
// and its storage allocated.
type Anchor struct {
	Kind     AnchorKind
	Consumer graph.FuncID
	Var      ast.Var
}

func (a Anchor) String() string {
	if a.Kind == Root {
		return "root"
	}
	return fmt.Sprintf("at(%d, %s)", a.Consumer, a.Var)
}

// Split records one dim = outer*factor + inner transform. The split
// variable may itself be split again later.
type Split struct {
	Of     ast.Var
	Outer  ast.Var
	Inner  ast.Var
	Factor int64
}

type entry struct {
	loops  []ast.Var // current loop order, outermost first
	splits []Split   // in application order
	anchor Anchor
}

// Schedule maps functions of one graph to their loop directives.
type Schedule struct {
	g       *graph.Graph
	entries map[graph.FuncID]*entry
}

// New returns the default schedule for g: every computed function at
// root, loops in natural order with the first dimension innermost (the
// classic y-then-x image traversal).
func New(g *graph.Graph) *Schedule {
	s := &Schedule{g: g, entries: make(map[graph.FuncID]*entry)}
	for _, id := range g.TopoOrder() {
		f := g.Func(id)
		if f.IsSource() {
			continue
		}
		loops := make([]ast.Var, len(f.Dims))
		for i, d := range f.Dims {
			loops[len(f.Dims)-1-i] = d
		}
		s.entries[id] = &entry{loops: loops, anchor: Anchor{Kind: Root}}
	}
	return s
}

// Graph returns the graph this schedule annotates.
func (s *Schedule) Graph() *graph.Graph { return s.g }

func (s *Schedule) entryOf(f graph.FuncID) (*entry, error) {
	e, ok := s.entries[f]
	if !ok {
		return nil, errors.Wrapf(ErrBadDirective, "%s is not a scheduled function", s.name(f))
	}
	return e, nil
}

func (s *Schedule) name(f graph.FuncID) string {
	if int(f) >= 0 && int(f) < s.g.Len() {
		return s.g.Func(f).Name
	}
	return fmt.Sprintf("#%d", f)
}

// Loops returns f's current loop variables, outermost first.
func (s *Schedule) Loops(f graph.FuncID) []ast.Var {
	e, ok := s.entries[f]
	if !ok {
		return nil
	}
	return append([]ast.Var(nil), e.loops...)
}

// Splits returns f's splits in application order.
func (s *Schedule) Splits(f graph.FuncID) []Split {
	e, ok := s.entries[f]
	if !ok {
		return nil
	}
	return append([]Split(nil), e.splits...)
}

// Anchor returns f's compute/store anchor.
func (s *Schedule) Anchor(f graph.FuncID) Anchor {
	e, ok := s.entries[f]
	if !ok {
		return Anchor{Kind: Root}
	}
	return e.anchor
}

// Split replaces dim in f's loop list with derived outer/inner variables
// satisfying dim = outer*factor + inner, inner in [0, factor). It
// returns the derived variable names for use in later directives.
func (s *Schedule) Split(f graph.FuncID, dim ast.Var, factor int64) (outer, inner ast.Var, err error) {
	e, err := s.entryOf(f)
	if err != nil {
		return "", "", err
	}
	if factor < 1 {
		return "", "", errors.Wrapf(ErrBadDirective, "split %s by %d", dim, factor)
	}
	pos := indexOf(e.loops, dim)
	if pos < 0 {
		return "", "", errors.Wrapf(ErrUnknownDimension, "%s has no loop %s", s.name(f), dim)
	}
	outer, inner = s.deriveNames(f, dim)
	loops := make([]ast.Var, 0, len(e.loops)+1)
	loops = append(loops, e.loops[:pos]...)
	loops = append(loops, outer, inner)
	loops = append(loops, e.loops[pos+1:]...)
	e.loops = loops
	e.splits = append(e.splits, Split{Of: dim, Outer: outer, Inner: inner, Factor: factor})
	return outer, inner, nil
}

// deriveNames picks fresh names for a split, "xo"/"xi" style.
func (s *Schedule) deriveNames(f graph.FuncID, dim ast.Var) (ast.Var, ast.Var) {
	e := s.entries[f]
	taken := map[ast.Var]bool{}
	for _, v := range e.loops {
		taken[v] = true
	}
	for _, sp := range e.splits {
		taken[sp.Of] = true
	}
	pick := func(suffix string) ast.Var {
		base := ast.Var(string(dim) + suffix)
		v := base
		for n := 1; taken[v]; n++ {
			v = ast.Var(fmt.Sprintf("%s%d", base, n))
		}
		taken[v] = true
		return v
	}
	return pick("o"), pick("i")
}

// Reorder permutes f's current loop list. The argument must be exactly
// the current variables in the desired outermost-first order.
func (s *Schedule) Reorder(f graph.FuncID, order ...ast.Var) error {
	e, err := s.entryOf(f)
	if err != nil {
		return err
	}
	if len(order) != len(e.loops) {
		return errors.Wrapf(ErrUnknownDimension,
			"%s has %d loops, reorder names %d", s.name(f), len(e.loops), len(order))
	}
	have := map[ast.Var]bool{}
	for _, v := range e.loops {
		have[v] = true
	}
	seen := map[ast.Var]bool{}
	for _, v := range order {
		if !have[v] {
			return errors.Wrapf(ErrUnknownDimension, "%s has no loop %s", s.name(f), v)
		}
		if seen[v] {
			return errors.Wrapf(ErrBadDirective, "loop %s repeated in reorder", v)
		}
		seen[v] = true
	}
	e.loops = append([]ast.Var(nil), order...)
	return nil
}

// ComputeAt anchors f inside consumer's loop over v. The consumer must
// be a direct or transitive consumer of f, and v one of its current
// loop variables.
func (s *Schedule) ComputeAt(f, consumer graph.FuncID, v ast.Var) error {
	e, err := s.entryOf(f)
	if err != nil {
		return err
	}
	ce, err := s.entryOf(consumer)
	if err != nil {
		return err
	}
	if consumer == f {
		return errors.Wrapf(ErrInvalidAnchor, "%s cannot be computed at itself", s.name(f))
	}
	if !s.g.Reaches(consumer, f) {
		return errors.Wrapf(ErrInvalidAnchor,
			"%s is not a consumer of %s", s.name(consumer), s.name(f))
	}
	if indexOf(ce.loops, v) < 0 {
		return errors.Wrapf(ErrUnknownDimension, "%s has no loop %s", s.name(consumer), v)
	}
	e.anchor = Anchor{Kind: At, Consumer: consumer, Var: v}
	return nil
}

// ComputeRoot anchors f at pipeline root (the default).
func (s *Schedule) ComputeRoot(f graph.FuncID) error {
	e, err := s.entryOf(f)
	if err != nil {
		return err
	}
	e.anchor = Anchor{Kind: Root}
	return nil
}

func indexOf(vs []ast.Var, v ast.Var) int {
	for i, x := range vs {
		if x == v {
			return i
		}
	}
	return -1
}
