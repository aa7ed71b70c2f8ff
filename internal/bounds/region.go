// Package bounds computes, for every function under a given schedule,
// the region of its domain that must be materialized at its compute
// anchor, together with the loop ranges that realize that region.
//
// Regions are symbolic: interval endpoints are expressions over the
// anchor's enclosing loop variables, and collapse to constants for
// root-scheduled functions.
package bounds

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/theotherphil/prism/internal/ast"
	"github.com/theotherphil/prism/internal/graph"
)

// Inference errors.
var (
	// ErrNonAffineIndex marks an index expression outside the affine
	// fragment bounds inference evaluates exactly. Interval analysis of
	// arbitrary index arithmetic is a known extension, not implemented.
	ErrNonAffineIndex = errors.New("non-affine index expression")
	// ErrUnschedulableCycle is a defensive failure: anchor resolution
	// needed a region before it was inferred. Unreachable for schedules
	// that passed validation.
	ErrUnschedulableCycle = errors.New("unschedulable cycle")
	ErrBadRegion          = errors.New("invalid region request")
)

// Interval is an inclusive integer interval with symbolic endpoints.
type Interval struct {
	Min, Max ast.Expr
}

// Extent returns Max - Min + 1, folded.
func (iv Interval) Extent() ast.Expr {
	return ast.Fold(ast.Add(ast.Sub(iv.Max, iv.Min), ast.Int(1)))
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s]", iv.Min, iv.Max)
}

// Union returns the smallest interval containing both operands.
func Union(a, b Interval) Interval {
	return Interval{
		Min: ast.Fold(ast.Min(a.Min, b.Min)),
		Max: ast.Fold(ast.Max(a.Max, b.Max)),
	}
}

// Region is a per-dimension box over a function's natural domain.
type Region struct {
	Dims      []ast.Var
	Intervals []Interval
}

// ConstRegion builds a region with constant endpoints, one (lo, hi)
// pair per dimension.
func ConstRegion(dims []ast.Var, lo, hi []int64) Region {
	ivs := make([]Interval, len(dims))
	for i := range dims {
		ivs[i] = Interval{Min: ast.Int(lo[i]), Max: ast.Int(hi[i])}
	}
	return Region{Dims: dims, Intervals: ivs}
}

// Interval returns the interval for the named dimension.
func (r Region) Interval(d ast.Var) (Interval, bool) {
	for i, rd := range r.Dims {
		if rd == d {
			return r.Intervals[i], true
		}
	}
	return Interval{}, false
}

// EvalAt evaluates every endpoint under env, for regions whose free
// variables are all bound by env.
func (r Region) EvalAt(env map[ast.Var]int64) ([][2]int64, error) {
	out := make([][2]int64, len(r.Intervals))
	for i, iv := range r.Intervals {
		lo, err := ast.Eval(iv.Min, env)
		if err != nil {
			return nil, err
		}
		hi, err := ast.Eval(iv.Max, env)
		if err != nil {
			return nil, err
		}
		out[i] = [2]int64{lo, hi}
	}
	return out, nil
}

func (r Region) String() string {
	s := ""
	for i, d := range r.Dims {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s: %s", d, r.Intervals[i])
	}
	return s
}

type direction int

const (
	lower direction = iota
	upper
)

func (d direction) flip() direction {
	if d == lower {
		return upper
	}
	return lower
}

// boundExpr returns an expression for the extreme value of e in the
// given direction once every variable in elim has been replaced by its
// range corner. Variables outside elim stay symbolic. Exact for the
// affine fragment plus min/max and division by constants; anything else
// fails with ErrNonAffineIndex.
func boundExpr(e ast.Expr, ranges map[ast.Var]Interval, elim map[ast.Var]bool, d direction) (ast.Expr, error) {
	if !mentionsAny(e, elim) {
		return e, nil
	}
	switch n := e.(type) {
	case ast.Var:
		iv, ok := ranges[n]
		if !ok {
			return nil, errors.Wrapf(ErrUnschedulableCycle, "no range for loop %s", n)
		}
		if d == lower {
			return boundExpr(iv.Min, ranges, elim, d)
		}
		return boundExpr(iv.Max, ranges, elim, d)
	case ast.Bin:
		switch n.Op {
		case ast.OpAdd, ast.OpMin, ast.OpMax:
			l, err := boundExpr(n.L, ranges, elim, d)
			if err != nil {
				return nil, err
			}
			r, err := boundExpr(n.R, ranges, elim, d)
			if err != nil {
				return nil, err
			}
			return ast.Fold(ast.Bin{Op: n.Op, L: l, R: r}), nil
		case ast.OpSub:
			l, err := boundExpr(n.L, ranges, elim, d)
			if err != nil {
				return nil, err
			}
			r, err := boundExpr(n.R, ranges, elim, d.flip())
			if err != nil {
				return nil, err
			}
			return ast.Fold(ast.Sub(l, r)), nil
		case ast.OpMul:
			if c, other, ok := constSide(n); ok {
				dir := d
				if c < 0 {
					dir = d.flip()
				}
				o, err := boundExpr(other, ranges, elim, dir)
				if err != nil {
					return nil, err
				}
				return ast.Fold(ast.Mul(ast.Int(c), o)), nil
			}
		case ast.OpDiv:
			c, ok := ast.ConstValue(n.R)
			if !ok {
				break
			}
			if c == 0 {
				return nil, errors.Wrapf(ast.ErrDivisionByZero, "in %s", e)
			}
			dir := d
			if c < 0 {
				dir = d.flip()
			}
			// Truncated division by a constant is monotone in the
			// numerator, so the corner carries through.
			num, err := boundExpr(n.L, ranges, elim, dir)
			if err != nil {
				return nil, err
			}
			return ast.Fold(ast.Div(num, ast.Int(c))), nil
		}
	}
	return nil, errors.Wrapf(ErrNonAffineIndex, "%s", e)
}

func constSide(b ast.Bin) (int64, ast.Expr, bool) {
	if c, ok := ast.ConstValue(b.L); ok {
		return c, b.R, true
	}
	if c, ok := ast.ConstValue(b.R); ok {
		return c, b.L, true
	}
	return 0, nil, false
}

func mentionsAny(e ast.Expr, vars map[ast.Var]bool) bool {
	for _, v := range ast.FreeVars(e) {
		if vars[v] {
			return true
		}
	}
	return false
}

// Qualify returns the loop-variable name for one of f's schedule
// variables, e.g. blur_v.y. Qualified names keep the dimension
// variables of different functions apart in lowered programs.
func Qualify(f *graph.Function, v ast.Var) ast.Var {
	return ast.Var(f.Name + "." + string(v))
}
