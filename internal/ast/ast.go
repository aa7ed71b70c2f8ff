// Package ast defines the expression IR shared by every stage of the
// pipeline compiler: pure arithmetic trees over symbolic dimension
// variables, producer accesses and runtime parameters.
package ast

import (
	"fmt"
	"strings"
)

// Var is a named symbolic integer axis. Identity is by name within a
// pipeline; derived loop variables are qualified as "func.dim".
type Var string

// Expr is implemented by all expression nodes. Expressions are immutable
// after construction.
type Expr interface {
	isExpr()
	fmt.Stringer
}

// Const is an integer constant.
type Const struct {
	Value int64
}

// Param is a reference to a runtime scalar parameter supplied at kernel
// execution time.
type Param struct {
	Name string
}

// Access reads a producer function or input buffer at the given index
// expressions, e.g. g(x + 1, y - 1).
type Access struct {
	Source string
	Index  []Expr
}

// BinOp enumerates the binary operators.
type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	// OpMin and OpMax are produced internally by bounds inference for
	// clamped split ranges; they are not part of the user-facing
	// pipeline vocabulary.
	OpMin
	OpMax
)

// Bin is a binary operation over two subexpressions.
type Bin struct {
	Op   BinOp
	L, R Expr
}

func (Var) isExpr()    {}
func (Const) isExpr()  {}
func (Param) isExpr()  {}
func (Access) isExpr() {}
func (Bin) isExpr()    {}

// Int builds an integer constant.
func Int(v int64) Expr { return Const{Value: v} }

// Add builds l + r.
func Add(l, r Expr) Expr { return Bin{Op: OpAdd, L: l, R: r} }

// Sub builds l - r.
func Sub(l, r Expr) Expr { return Bin{Op: OpSub, L: l, R: r} }

// Mul builds l * r.
func Mul(l, r Expr) Expr { return Bin{Op: OpMul, L: l, R: r} }

// Div builds l / r (truncated integer division, as in the generated code).
func Div(l, r Expr) Expr { return Bin{Op: OpDiv, L: l, R: r} }

// Min builds min(l, r).
func Min(l, r Expr) Expr { return Bin{Op: OpMin, L: l, R: r} }

// Max builds max(l, r).
func Max(l, r Expr) Expr { return Bin{Op: OpMax, L: l, R: r} }

// At builds an access source(index...).
func At(source string, index ...Expr) Expr {
	return Access{Source: source, Index: index}
}

func (op BinOp) symbol() string {
	switch op {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	}
	return "?"
}

func (v Var) String() string   { return string(v) }
func (c Const) String() string { return fmt.Sprintf("%d", c.Value) }
func (p Param) String() string { return p.Name }

func (a Access) String() string {
	parts := make([]string, len(a.Index))
	for i, ix := range a.Index {
		parts[i] = ix.String()
	}
	return fmt.Sprintf("%s(%s)", a.Source, strings.Join(parts, ", "))
}

func (b Bin) String() string {
	if b.Op == OpMin || b.Op == OpMax {
		name := "min"
		if b.Op == OpMax {
			name = "max"
		}
		return fmt.Sprintf("%s(%s, %s)", name, b.L.String(), b.R.String())
	}
	return fmt.Sprintf("%s %s %s", operand(b.L), b.Op.symbol(), operand(b.R))
}

// operand parenthesises non-leaf subexpressions, matching the printed
// form f(x, y) = (g(x + 1, y) + g(x - 1, y)) + 2.
func operand(e Expr) string {
	if b, ok := e.(Bin); ok && b.Op != OpMin && b.Op != OpMax {
		return "(" + e.String() + ")"
	}
	return e.String()
}

// Accesses returns every producer access in e, left to right.
func Accesses(e Expr) []Access {
	var out []Access
	walk(e, func(n Expr) {
		if a, ok := n.(Access); ok {
			out = append(out, a)
		}
	})
	return out
}

// Params returns the names of every runtime parameter referenced by e,
// deduplicated in first-appearance order.
func Params(e Expr) []string {
	var out []string
	seen := map[string]bool{}
	walk(e, func(n Expr) {
		if p, ok := n.(Param); ok && !seen[p.Name] {
			seen[p.Name] = true
			out = append(out, p.Name)
		}
	})
	return out
}

// FreeVars returns the dimension variables referenced by e, deduplicated
// in first-appearance order. Index expressions inside accesses count.
func FreeVars(e Expr) []Var {
	var out []Var
	seen := map[Var]bool{}
	walk(e, func(n Expr) {
		if v, ok := n.(Var); ok && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	})
	return out
}

func walk(e Expr, fn func(Expr)) {
	fn(e)
	switch n := e.(type) {
	case Bin:
		walk(n.L, fn)
		walk(n.R, fn)
	case Access:
		for _, ix := range n.Index {
			walk(ix, fn)
		}
	}
}
