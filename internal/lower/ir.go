// Package lower turns a scheduled function graph into an explicit loop
// nest: allocations, loops over inferred ranges, and per-point compute
// statements against zero-based buffers.
package lower

import (
	"github.com/theotherphil/prism/internal/ast"
	"github.com/theotherphil/prism/internal/bounds"
)

// Node is one statement of a lowered program.
type Node interface{ isNode() }

// Loop iterates Var over [Min, Min+Extent). Endpoints may reference
// enclosing loop variables.
type Loop struct {
	Var    ast.Var
	Min    ast.Expr
	Extent ast.Expr
	Body   []Node
}

// Allocate materializes storage for an intermediate function around its
// compute loops. The buffer is indexed zero-based; Region records the
// domain box it holds, so extents are the region's interval extents.
type Allocate struct {
	Func   string
	Region bounds.Region
	Body   []Node
}

// Compute stores one value of Func at the given buffer coordinates,
// first dimension fastest-varying.
type Compute struct {
	Func   string
	Coords []ast.Expr
	Value  ast.Expr
}

func (*Loop) isNode()     {}
func (*Allocate) isNode() {}
func (*Compute) isNode()  {}

// BufferDecl declares an externally supplied buffer and its extents.
type BufferDecl struct {
	Name    string
	Extents []int64
}

// Program is a complete lowered pipeline: the buffers it exchanges with
// the caller, its scalar parameters, and the statement list.
type Program struct {
	Name    string
	Inputs  []BufferDecl
	Outputs []BufferDecl
	Params  []string
	Nodes   []Node
}
