// Package graph models an image pipeline as a DAG of named functions
// over symbolic dimensions. Functions are stored in an arena addressed
// by dense ids; producer references inside bodies are resolved by name
// against previously added functions only, which makes the no-cycle
// invariant structural.
package graph

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/theotherphil/prism/internal/ast"
)

// Construction errors. Every failure wraps one of these sentinels and is
// fatal for the offending call: no partial function is added.
var (
	ErrUndefinedReference = errors.New("reference to undefined function")
	ErrDuplicateFunction  = errors.New("function already defined")
	ErrBadDefinition      = errors.New("invalid function definition")
)

// FuncID addresses a function within one builder/graph arena.
type FuncID int

// Function is a named pure stage: an ordered domain of dimension
// variables plus a body expression. A source function has a nil body;
// its values come from an externally supplied buffer at execution time.
type Function struct {
	ID   FuncID
	Name string
	Dims []ast.Var
	Body ast.Expr
}

// IsSource reports whether f is an input rather than a computed stage.
func (f *Function) IsSource() bool { return f.Body == nil }

// Builder accumulates functions in dependency order.
type Builder struct {
	funcs  []*Function
	byName map[string]FuncID
}

// NewBuilder returns an empty pipeline builder.
func NewBuilder() *Builder {
	return &Builder{byName: make(map[string]FuncID)}
}

// AddSource declares an input function with the given domain.
func (b *Builder) AddSource(name string, dims ...ast.Var) (FuncID, error) {
	return b.add(name, dims, nil)
}

// AddFunc declares a computed function. The body may only access
// functions added earlier, and its index expressions may only reference
// the function's own dimension variables.
func (b *Builder) AddFunc(name string, dims []ast.Var, body ast.Expr) (FuncID, error) {
	if body == nil {
		return 0, errors.Wrapf(ErrBadDefinition, "%s: nil body", name)
	}
	return b.add(name, dims, body)
}

func (b *Builder) add(name string, dims []ast.Var, body ast.Expr) (FuncID, error) {
	if name == "" {
		return 0, errors.Wrap(ErrBadDefinition, "empty function name")
	}
	if _, ok := b.byName[name]; ok {
		return 0, errors.Wrapf(ErrDuplicateFunction, "%s", name)
	}
	seen := map[ast.Var]bool{}
	for _, d := range dims {
		if seen[d] {
			return 0, errors.Wrapf(ErrBadDefinition, "%s: duplicate dimension %s", name, d)
		}
		seen[d] = true
	}
	if body != nil {
		if err := b.checkBody(name, dims, body); err != nil {
			return 0, err
		}
	}
	id := FuncID(len(b.funcs))
	b.funcs = append(b.funcs, &Function{ID: id, Name: name, Dims: dims, Body: body})
	b.byName[name] = id
	return id, nil
}

func (b *Builder) checkBody(name string, dims []ast.Var, body ast.Expr) error {
	own := map[ast.Var]bool{}
	for _, d := range dims {
		own[d] = true
	}
	for _, v := range ast.FreeVars(body) {
		if !own[v] {
			return errors.Wrapf(ErrBadDefinition, "%s: undeclared variable %s", name, v)
		}
	}
	for _, a := range ast.Accesses(body) {
		pid, ok := b.byName[a.Source]
		if !ok {
			return errors.Wrapf(ErrUndefinedReference, "%s reads %s", name, a.Source)
		}
		p := b.funcs[pid]
		if len(a.Index) != len(p.Dims) {
			return errors.Wrapf(ErrBadDefinition,
				"%s reads %s with %d indices, want %d", name, a.Source, len(a.Index), len(p.Dims))
		}
		for _, ix := range a.Index {
			for _, acc := range ast.Accesses(ix) {
				return errors.Wrapf(ErrBadDefinition,
					"%s: nested access %s in index expression", name, acc.Source)
			}
			if len(ast.Params(ix)) != 0 {
				return errors.Wrapf(ErrBadDefinition,
					"%s: parameter in index expression %s", name, ix)
			}
		}
	}
	return nil
}

// Finalize fixes the designated outputs and returns an immutable graph.
// Outputs must be computed functions. Functions unreachable from any
// output are retained; lowering only realizes the outputs' closure.
func (b *Builder) Finalize(outputs ...FuncID) (*Graph, error) {
	if len(outputs) == 0 {
		return nil, errors.Wrap(ErrBadDefinition, "pipeline has no outputs")
	}
	for _, id := range outputs {
		if int(id) < 0 || int(id) >= len(b.funcs) {
			return nil, errors.Wrapf(ErrBadDefinition, "unknown output id %d", id)
		}
		if b.funcs[id].IsSource() {
			return nil, errors.Wrapf(ErrBadDefinition, "output %s is a source", b.funcs[id].Name)
		}
	}
	byName := make(map[string]FuncID, len(b.byName))
	for k, v := range b.byName {
		byName[k] = v
	}
	return &Graph{
		funcs:   append([]*Function(nil), b.funcs...),
		byName:  byName,
		outputs: append([]FuncID(nil), outputs...),
	}, nil
}

// Graph is a finalized pipeline. All views derived from bodies
// (consumers, reachability, parameters) are computed on demand rather
// than stored, so they cannot drift from the definitions.
type Graph struct {
	funcs   []*Function
	byName  map[string]FuncID
	outputs []FuncID
}

// Len returns the number of functions, sources included.
func (g *Graph) Len() int { return len(g.funcs) }

// Func returns the function with the given id.
func (g *Graph) Func(id FuncID) *Function { return g.funcs[id] }

// ByName resolves a function name.
func (g *Graph) ByName(name string) (FuncID, bool) {
	id, ok := g.byName[name]
	return id, ok
}

// Outputs returns the designated output ids.
func (g *Graph) Outputs() []FuncID { return append([]FuncID(nil), g.outputs...) }

// TopoOrder returns ids in a producer-before-consumer order. Insertion
// order is one by construction.
func (g *Graph) TopoOrder() []FuncID {
	out := make([]FuncID, len(g.funcs))
	for i := range g.funcs {
		out[i] = FuncID(i)
	}
	return out
}

// Producers returns the distinct ids read by f's body, in id order.
func (g *Graph) Producers(f FuncID) []FuncID {
	fn := g.funcs[f]
	if fn.IsSource() {
		return nil
	}
	seen := map[FuncID]bool{}
	var out []FuncID
	for _, a := range ast.Accesses(fn.Body) {
		id := g.byName[a.Source]
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Consumers returns the ids whose bodies read f directly, in id order.
func (g *Graph) Consumers(f FuncID) []FuncID {
	var out []FuncID
	for id := range g.funcs {
		for _, p := range g.Producers(FuncID(id)) {
			if p == f {
				out = append(out, FuncID(id))
				break
			}
		}
	}
	return out
}

// Reaches reports whether consumer transitively reads producer.
func (g *Graph) Reaches(consumer, producer FuncID) bool {
	if consumer == producer {
		return false
	}
	seen := map[FuncID]bool{}
	var visit func(FuncID) bool
	visit = func(id FuncID) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		for _, p := range g.Producers(id) {
			if p == producer || visit(p) {
				return true
			}
		}
		return false
	}
	return visit(consumer)
}

// RealizeSet returns the outputs plus every function they transitively
// read, sources included, in topological (id) order.
func (g *Graph) RealizeSet() []FuncID {
	need := map[FuncID]bool{}
	var visit func(FuncID)
	visit = func(id FuncID) {
		if need[id] {
			return
		}
		need[id] = true
		for _, p := range g.Producers(id) {
			visit(p)
		}
	}
	for _, id := range g.outputs {
		visit(id)
	}
	var out []FuncID
	for id := range g.funcs {
		if need[FuncID(id)] {
			out = append(out, FuncID(id))
		}
	}
	return out
}

// Params returns every runtime parameter name mentioned by any body,
// sorted lexicographically.
func (g *Graph) Params() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range g.funcs {
		if f.IsSource() {
			continue
		}
		for _, p := range ast.Params(f.Body) {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}
