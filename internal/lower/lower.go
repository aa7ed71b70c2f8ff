package lower

import (
	"github.com/pkg/errors"

	"github.com/theotherphil/prism/internal/ast"
	"github.com/theotherphil/prism/internal/bounds"
	"github.com/theotherphil/prism/internal/graph"
	"github.com/theotherphil/prism/internal/schedule"
)

// Lowering errors.
var (
	// ErrOutOfBounds is reported when the statically inferred input
	// region does not fit inside a declared input buffer.
	ErrOutOfBounds = errors.New("input read out of bounds")
	ErrBadProgram  = errors.New("invalid program declaration")
)

// Lower runs bounds inference for the requested output regions and
// emits the loop-nest program realizing every function at its anchor.
// inputs declares the extents of each source buffer; the inferred input
// regions are checked against them here, so a program that lowers
// cleanly cannot read outside its inputs.
//
// Lowering is deterministic: the same graph, schedule and requests
// produce an identical Program.
func Lower(name string, g *graph.Graph, s *schedule.Schedule, outputs map[graph.FuncID]bounds.Region, inputs map[string][]int64) (*Program, error) {
	plan, err := bounds.Infer(g, s, outputs)
	if err != nil {
		return nil, err
	}

	prog := &Program{Name: name, Params: g.Params()}
	declared := map[string]bool{}
	for _, id := range g.RealizeSet() {
		f := g.Func(id)
		if !f.IsSource() {
			continue
		}
		ext, ok := inputs[f.Name]
		if !ok {
			return nil, errors.Wrapf(ErrBadProgram, "no extents declared for input %s", f.Name)
		}
		if len(ext) != len(f.Dims) {
			return nil, errors.Wrapf(ErrBadProgram,
				"input %s has rank %d, declared %d extents", f.Name, len(f.Dims), len(ext))
		}
		if err := checkSourceRegion(f, plan.Sources[id], ext); err != nil {
			return nil, err
		}
		declared[f.Name] = true
		prog.Inputs = append(prog.Inputs, BufferDecl{
			Name:    f.Name,
			Extents: append([]int64(nil), ext...),
		})
	}
	for in := range inputs {
		if !declared[in] {
			return nil, errors.Wrapf(ErrBadProgram, "declared input %s is not a source of the graph", in)
		}
	}

	for _, id := range g.Outputs() {
		decl := BufferDecl{Name: g.Func(id).Name}
		for _, iv := range outputs[id].Intervals {
			n, ok := ast.ConstValue(iv.Extent())
			if !ok {
				return nil, errors.Wrapf(ErrBadProgram, "output %s has a symbolic extent", decl.Name)
			}
			decl.Extents = append(decl.Extents, n)
		}
		prog.Outputs = append(prog.Outputs, decl)
	}

	lw := &lowerer{plan: plan, outputs: map[graph.FuncID]bool{}}
	for _, id := range g.Outputs() {
		lw.outputs[id] = true
	}
	for _, id := range plan.Root {
		prog.Nodes = append(prog.Nodes, lw.realize(id)...)
	}
	return prog, nil
}

func checkSourceRegion(f *graph.Function, reg bounds.Region, ext []int64) error {
	box, err := reg.EvalAt(nil)
	if err != nil {
		return errors.Wrapf(err, "input %s region", f.Name)
	}
	for i, b := range box {
		if b[0] < 0 || b[1] >= ext[i] {
			return errors.Wrapf(ErrOutOfBounds,
				"input %s needs %s in [%d, %d] but has extent %d",
				f.Name, f.Dims[i], b[0], b[1], ext[i])
		}
	}
	return nil
}

type lowerer struct {
	plan    *bounds.Plan
	outputs map[graph.FuncID]bool
}

// realize emits the loop nest computing one function, recursively
// placing anchored producers at the loop levels they are computed at.
// Intermediates are wrapped in an Allocate; outputs write straight into
// their caller-supplied buffers.
func (lw *lowerer) realize(id graph.FuncID) []Node {
	f := lw.plan.Graph.Func(id)
	fp := lw.plan.Funcs[id]

	coords := make([]ast.Expr, len(f.Dims))
	for i, d := range f.Dims {
		coords[i] = ast.Fold(ast.Sub(fp.DimValue[d], fp.Storage.Intervals[i].Min))
	}
	value := f.Body
	for _, d := range f.Dims {
		value = ast.Subst(value, d, fp.DimValue[d])
	}
	value = lw.rebase(value)

	nodes := []Node{&Compute{Func: f.Name, Coords: coords, Value: value}}
	for i := len(fp.Loops) - 1; i >= 0; i-- {
		lp := fp.Loops[i]
		var pre []Node
		for _, p := range lw.plan.AtSite[bounds.Site{Consumer: id, Var: lp.Var}] {
			pre = append(pre, lw.realize(p)...)
		}
		nodes = []Node{&Loop{Var: lp.Var, Min: lp.Min, Extent: lp.Extent, Body: append(pre, nodes...)}}
	}
	if lw.outputs[id] {
		return nodes
	}
	return []Node{&Allocate{Func: f.Name, Region: fp.Storage, Body: nodes}}
}

// rebase rewrites accesses to computed functions into zero-based buffer
// coordinates by subtracting the producer's storage origin. Source
// accesses keep their absolute coordinates.
func (lw *lowerer) rebase(e ast.Expr) ast.Expr {
	switch n := e.(type) {
	case ast.Bin:
		return ast.Bin{Op: n.Op, L: lw.rebase(n.L), R: lw.rebase(n.R)}
	case ast.Access:
		pid, _ := lw.plan.Graph.ByName(n.Source)
		if lw.plan.Graph.Func(pid).IsSource() {
			ix := make([]ast.Expr, len(n.Index))
			for j := range n.Index {
				ix[j] = ast.Fold(n.Index[j])
			}
			return ast.Access{Source: n.Source, Index: ix}
		}
		pp := lw.plan.Funcs[pid]
		ix := make([]ast.Expr, len(n.Index))
		for j := range n.Index {
			ix[j] = ast.Fold(ast.Sub(n.Index[j], pp.Storage.Intervals[j].Min))
		}
		return ast.Access{Source: n.Source, Index: ix}
	}
	return e
}
