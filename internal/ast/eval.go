package ast

import (
	"github.com/pkg/errors"
)

// Evaluation errors.
var (
	ErrDivisionByZero  = errors.New("division by zero")
	ErrUnboundVariable = errors.New("unbound variable")
)

// Eval evaluates a scalar expression under a complete assignment of its
// free variables. Accesses and parameters are not scalar at this level
// and fail; the execution engine evaluates those against live buffers.
func Eval(e Expr, env map[Var]int64) (int64, error) {
	switch n := e.(type) {
	case Const:
		return n.Value, nil
	case Var:
		v, ok := env[n]
		if !ok {
			return 0, errors.Wrapf(ErrUnboundVariable, "%s", n)
		}
		return v, nil
	case Param:
		return 0, errors.Errorf("parameter %s cannot be evaluated without a kernel", n.Name)
	case Access:
		return 0, errors.Errorf("access %s cannot be evaluated without buffers", n)
	case Bin:
		l, err := Eval(n.L, env)
		if err != nil {
			return 0, err
		}
		r, err := Eval(n.R, env)
		if err != nil {
			return 0, err
		}
		return apply(n.Op, l, r)
	}
	return 0, errors.Errorf("unknown expression %T", e)
}

func apply(op BinOp, l, r int64) (int64, error) {
	switch op {
	case OpAdd:
		return l + r, nil
	case OpSub:
		return l - r, nil
	case OpMul:
		return l * r, nil
	case OpDiv:
		if r == 0 {
			return 0, ErrDivisionByZero
		}
		return l / r, nil
	case OpMin:
		if l < r {
			return l, nil
		}
		return r, nil
	case OpMax:
		if l > r {
			return l, nil
		}
		return r, nil
	}
	return 0, errors.Errorf("unknown operator %d", op)
}

// Subst returns e with every occurrence of v replaced by repl, including
// inside access index expressions.
func Subst(e Expr, v Var, repl Expr) Expr {
	switch n := e.(type) {
	case Var:
		if n == v {
			return repl
		}
		return n
	case Bin:
		return Bin{Op: n.Op, L: Subst(n.L, v, repl), R: Subst(n.R, v, repl)}
	case Access:
		ix := make([]Expr, len(n.Index))
		for i, e := range n.Index {
			ix[i] = Subst(e, v, repl)
		}
		return Access{Source: n.Source, Index: ix}
	}
	return e
}

// SubstAll applies Subst for every binding in repl.
func SubstAll(e Expr, repl map[Var]Expr) Expr {
	for v, r := range repl {
		e = Subst(e, v, r)
	}
	return e
}

// Fold simplifies constant subtrees and arithmetic identities. It keeps
// expressions readable in printed loop nests and lets bounds inference
// recognise statically known intervals.
func Fold(e Expr) Expr {
	b, ok := e.(Bin)
	if !ok {
		return e
	}
	l, r := Fold(b.L), Fold(b.R)
	lc, lok := constValue(l)
	rc, rok := constValue(r)
	if lok && rok {
		if v, err := apply(b.Op, lc, rc); err == nil {
			return Const{Value: v}
		}
	}
	switch b.Op {
	case OpAdd:
		if lok && lc == 0 {
			return r
		}
		if rok && rc == 0 {
			return l
		}
	case OpSub:
		if rok && rc == 0 {
			return l
		}
		// (y + 1) - (y - 1) is 2 even though neither side is constant.
		if d, ok := constDiff(l, r); ok {
			return Const{Value: d}
		}
	case OpMul:
		if lok && lc == 1 {
			return r
		}
		if rok && rc == 1 {
			return l
		}
		if (lok && lc == 0) || (rok && rc == 0) {
			return Const{Value: 0}
		}
	case OpDiv:
		if rok && rc == 1 {
			return l
		}
	case OpMin, OpMax:
		// The ordering of the operands may be known even when neither
		// side is constant, e.g. min(y - 1, y + 1).
		if d, ok := constDiff(l, r); ok {
			if (b.Op == OpMin) == (d <= 0) {
				return l
			}
			return r
		}
	}
	return Bin{Op: b.Op, L: l, R: r}
}

// ConstValue reports whether e folds to an integer constant.
func ConstValue(e Expr) (int64, bool) {
	return constValue(Fold(e))
}

func constValue(e Expr) (int64, bool) {
	c, ok := e.(Const)
	if !ok {
		return 0, false
	}
	return c.Value, true
}
