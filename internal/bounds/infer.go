package bounds

import (
	"github.com/pkg/errors"

	"github.com/theotherphil/prism/internal/ast"
	"github.com/theotherphil/prism/internal/graph"
	"github.com/theotherphil/prism/internal/schedule"
)

// LoopRange is one emitted loop: var in [Min, Min+Extent).
type LoopRange struct {
	Var    ast.Var
	Min    ast.Expr
	Extent ast.Expr
}

// FuncPlan is the inferred realization of one computed function: its
// loop nest (outermost first, qualified variables), the storage region
// allocated at its anchor, and the value of each natural dimension in
// terms of the loop variables.
type FuncPlan struct {
	ID       graph.FuncID
	Loops    []LoopRange
	Storage  Region
	DimValue map[ast.Var]ast.Expr
}

// Site is a realization point: inside Consumer's loop over Var
// (qualified). The zero Site is the program root.
type Site struct {
	Consumer graph.FuncID
	Var      ast.Var
}

// Plan is the full bounds-inference result consumed by lowering.
type Plan struct {
	Graph *graph.Graph
	Sched *schedule.Schedule
	Funcs map[graph.FuncID]*FuncPlan
	// Root and AtSite give the realize lists, producers before
	// consumers, for the program root and for each anchor site.
	Root   []graph.FuncID
	AtSite map[Site][]graph.FuncID
	// Sources holds, per input function, the constant region the whole
	// pipeline reads from it; lowering checks it against the declared
	// buffer extents.
	Sources map[graph.FuncID]Region
}

// Infer runs bounds inference for the outputs' transitive closure.
// outputs gives the requested region per output function; endpoints
// must be integer constants.
func Infer(g *graph.Graph, s *schedule.Schedule, outputs map[graph.FuncID]Region) (*Plan, error) {
	in := &inferrer{
		g:        g,
		s:        s,
		plans:    make(map[graph.FuncID]*FuncPlan),
		required: make(map[graph.FuncID][]Interval),
		ranges:   make(map[ast.Var]Interval),
	}
	return in.run(outputs)
}

type inferrer struct {
	g        *graph.Graph
	s        *schedule.Schedule
	plans    map[graph.FuncID]*FuncPlan
	required map[graph.FuncID][]Interval
	// ranges accumulates the interval of every qualified loop variable
	// planned so far; consumers are planned before their producers, so
	// a producer's context variables are always present.
	ranges map[ast.Var]Interval
}

func (in *inferrer) run(outputs map[graph.FuncID]Region) (*Plan, error) {
	realize := in.g.RealizeSet()
	if err := in.validateAnchors(realize); err != nil {
		return nil, err
	}

	for _, id := range in.g.Outputs() {
		reg, ok := outputs[id]
		if !ok {
			return nil, errors.Wrapf(ErrBadRegion, "no region requested for output %s", in.g.Func(id).Name)
		}
		if err := in.requestOutput(id, reg); err != nil {
			return nil, err
		}
	}

	// Consumers before producers.
	for i := len(realize) - 1; i >= 0; i-- {
		f := in.g.Func(realize[i])
		if f.IsSource() {
			continue
		}
		if err := in.plan(f); err != nil {
			return nil, err
		}
	}

	p := &Plan{
		Graph:   in.g,
		Sched:   in.s,
		Funcs:   in.plans,
		AtSite:  make(map[Site][]graph.FuncID),
		Sources: make(map[graph.FuncID]Region),
	}
	for _, id := range realize {
		f := in.g.Func(id)
		if f.IsSource() {
			p.Sources[id] = Region{Dims: f.Dims, Intervals: in.required[id]}
			continue
		}
		a := in.s.Anchor(id)
		if a.Kind == schedule.Root {
			p.Root = append(p.Root, id)
			continue
		}
		site := Site{Consumer: a.Consumer, Var: Qualify(in.g.Func(a.Consumer), a.Var)}
		p.AtSite[site] = append(p.AtSite[site], id)
	}
	return p, nil
}

func (in *inferrer) requestOutput(id graph.FuncID, reg Region) error {
	f := in.g.Func(id)
	if len(reg.Dims) != len(f.Dims) || len(reg.Intervals) != len(f.Dims) {
		return errors.Wrapf(ErrBadRegion, "output %s: rank mismatch", f.Name)
	}
	for i, d := range f.Dims {
		if reg.Dims[i] != d {
			return errors.Wrapf(ErrBadRegion, "output %s: dimension %d is %s, want %s", f.Name, i, reg.Dims[i], d)
		}
		lo, lok := ast.ConstValue(reg.Intervals[i].Min)
		hi, hok := ast.ConstValue(reg.Intervals[i].Max)
		if !lok || !hok {
			return errors.Wrapf(ErrBadRegion, "output %s: region must have constant endpoints", f.Name)
		}
		if lo > hi {
			return errors.Wrapf(ErrBadRegion, "output %s: empty interval for %s", f.Name, d)
		}
	}
	in.union(id, reg.Intervals)
	return nil
}

func (in *inferrer) union(id graph.FuncID, ivs []Interval) {
	have := in.required[id]
	if have == nil {
		cp := make([]Interval, len(ivs))
		copy(cp, ivs)
		in.required[id] = cp
		return
	}
	for i := range have {
		have[i] = Union(have[i], ivs[i])
	}
}

// validateAnchors checks that every anchor site encloses all realized
// consumers of the anchored function. The schedule already rejected
// anchors naming non-consumers; this guards placements that a consumer
// escapes, e.g. anchoring into a sibling branch.
func (in *inferrer) validateAnchors(realize []graph.FuncID) error {
	realized := map[graph.FuncID]bool{}
	for _, id := range realize {
		realized[id] = true
	}
	for _, id := range in.g.Outputs() {
		if a := in.s.Anchor(id); a.Kind != schedule.Root {
			return errors.Wrapf(schedule.ErrInvalidAnchor,
				"output %s must be computed at root", in.g.Func(id).Name)
		}
	}
	for _, id := range realize {
		f := in.g.Func(id)
		if f.IsSource() {
			continue
		}
		a := in.s.Anchor(id)
		if a.Kind != schedule.At {
			continue
		}
		if !realized[a.Consumer] {
			return errors.Wrapf(schedule.ErrInvalidAnchor,
				"%s is anchored in %s, which is never realized",
				f.Name, in.g.Func(a.Consumer).Name)
		}
		// The anchor variable may have been split away after the anchor
		// was set.
		if indexOf(in.s.Loops(a.Consumer), a.Var) < 0 {
			return errors.Wrapf(schedule.ErrInvalidAnchor,
				"%s is anchored at %s(%s), but %s has no such loop",
				f.Name, in.g.Func(a.Consumer).Name, a.Var, in.g.Func(a.Consumer).Name)
		}
		for _, c := range in.g.Consumers(id) {
			if !realized[c] {
				continue
			}
			if !in.encloses(a, c) {
				return errors.Wrapf(schedule.ErrInvalidAnchor,
					"%s computed at %s(%s) does not enclose consumer %s",
					f.Name, in.g.Func(a.Consumer).Name, a.Var, in.g.Func(c).Name)
			}
		}
	}
	return nil
}

// encloses reports whether the realization point (a.Consumer, a.Var)
// encloses every compute of consumer.
func (in *inferrer) encloses(a schedule.Anchor, consumer graph.FuncID) bool {
	if consumer == a.Consumer {
		// Realized inside one of the consumer's own loops, ahead of
		// everything nested deeper.
		return true
	}
	ca := in.s.Anchor(consumer)
	if ca.Kind != schedule.At {
		return false
	}
	if ca.Consumer == a.Consumer {
		// Both sit in loops of the same host: a.Var must be at or
		// outside the consumer's entry loop.
		loops := in.s.Loops(a.Consumer)
		return indexOf(loops, a.Var) <= indexOf(loops, ca.Var)
	}
	return in.encloses(a, ca.Consumer)
}

func indexOf(vs []ast.Var, v ast.Var) int {
	for i, x := range vs {
		if x == v {
			return i
		}
	}
	return -1
}

// ctxVars returns the qualified loop variables fixed at id's
// realization site: for At(C, v), C's loops outermost through v plus
// C's own context, recursively.
func (in *inferrer) ctxVars(id graph.FuncID) map[ast.Var]bool {
	ctx := map[ast.Var]bool{}
	a := in.s.Anchor(id)
	for a.Kind == schedule.At {
		c := in.g.Func(a.Consumer)
		for _, v := range in.s.Loops(a.Consumer) {
			ctx[Qualify(c, v)] = true
			if v == a.Var {
				break
			}
		}
		a = in.s.Anchor(a.Consumer)
	}
	return ctx
}

// plan fixes f's region, derives its loop ranges, and propagates the
// regions f demands from its producers.
func (in *inferrer) plan(f *graph.Function) error {
	ivs := in.required[f.ID]
	if ivs == nil {
		return errors.Wrapf(ErrUnschedulableCycle, "%s has no inferred region", f.Name)
	}

	fp := &FuncPlan{
		ID:       f.ID,
		Storage:  Region{Dims: f.Dims, Intervals: ivs},
		DimValue: make(map[ast.Var]ast.Expr),
	}

	// Per-variable ranges, starting from the natural dimensions and
	// rewritten by each split in turn.
	local := map[ast.Var]Interval{}
	for i, d := range f.Dims {
		qd := Qualify(f, d)
		local[qd] = ivs[i]
		fp.DimValue[d] = qd
	}
	for _, sp := range in.s.Splits(f.ID) {
		if err := applySplit(f, sp, local, fp.DimValue); err != nil {
			return err
		}
	}

	for _, v := range in.s.Loops(f.ID) {
		qv := Qualify(f, v)
		iv, ok := local[qv]
		if !ok {
			return errors.Wrapf(ErrUnschedulableCycle, "%s: no range for loop %s", f.Name, v)
		}
		fp.Loops = append(fp.Loops, LoopRange{Var: qv, Min: iv.Min, Extent: iv.Extent()})
		in.ranges[qv] = iv
	}
	in.plans[f.ID] = fp

	return in.propagate(f, fp)
}

// applySplit rewrites local ranges and dimension values for one split:
// of = min + outer*factor + inner, outer zero-based over the ceiling
// quotient, inner clamped so remainder iterations stay in range.
func applySplit(f *graph.Function, sp schedule.Split, local map[ast.Var]Interval, dimValue map[ast.Var]ast.Expr) error {
	v := Qualify(f, sp.Of)
	iv, ok := local[v]
	if !ok {
		return errors.Wrapf(ErrUnschedulableCycle, "%s: split of unknown loop %s", f.Name, sp.Of)
	}
	k := sp.Factor
	extent := iv.Extent()
	qo, qi := Qualify(f, sp.Outer), Qualify(f, sp.Inner)

	outerMax := ast.Fold(ast.Sub(ast.Div(ast.Add(extent, ast.Int(k-1)), ast.Int(k)), ast.Int(1)))
	innerMax := ast.Fold(ast.Min(
		ast.Int(k-1),
		ast.Sub(ast.Sub(extent, ast.Mul(qo, ast.Int(k))), ast.Int(1))))

	repl := ast.Fold(ast.Add(iv.Min, ast.Add(ast.Mul(qo, ast.Int(k)), qi)))
	for d, e := range dimValue {
		dimValue[d] = ast.Fold(ast.Subst(e, v, repl))
	}
	for u, r := range local {
		local[u] = Interval{
			Min: ast.Fold(ast.Subst(r.Min, v, repl)),
			Max: ast.Fold(ast.Subst(r.Max, v, repl)),
		}
	}
	delete(local, v)
	local[qo] = Interval{Min: ast.Int(0), Max: outerMax}
	local[qi] = Interval{Min: ast.Int(0), Max: innerMax}
	return nil
}

// propagate adds f's demands on each producer, expressed at the
// producer's own anchor context: the exact affine image of the access
// indices over f's box, with every loop variable outside the producer's
// context replaced by its range corner.
func (in *inferrer) propagate(f *graph.Function, fp *FuncPlan) error {
	if f.IsSource() {
		return nil
	}
	for _, a := range ast.Accesses(f.Body) {
		pid, _ := in.g.ByName(a.Source)
		p := in.g.Func(pid)
		var elim map[ast.Var]bool
		if p.IsSource() {
			// Inputs are materialized once by the caller, so the
			// pipeline's whole demand is accumulated at root.
			elim = in.elimSet(nil)
		} else {
			if _, done := in.plans[pid]; done {
				return errors.Wrapf(ErrUnschedulableCycle,
					"%s consumed by %s after its region was fixed", p.Name, f.Name)
			}
			elim = in.elimSet(in.ctxVars(pid))
		}
		ivs := make([]Interval, len(p.Dims))
		for j := range p.Dims {
			e := a.Index[j]
			for d, val := range fp.DimValue {
				e = ast.Subst(e, d, val)
			}
			lo, err := boundExpr(e, in.ranges, elim, lower)
			if err != nil {
				return errors.Wrapf(err, "bounding %s read by %s", p.Name, f.Name)
			}
			hi, err := boundExpr(e, in.ranges, elim, upper)
			if err != nil {
				return errors.Wrapf(err, "bounding %s read by %s", p.Name, f.Name)
			}
			ivs[j] = Interval{Min: ast.Fold(lo), Max: ast.Fold(hi)}
		}
		in.union(pid, ivs)
	}
	return nil
}

// elimSet lists every planned loop variable not fixed by the target
// context; those are the variables replaced by their range corners.
func (in *inferrer) elimSet(ctx map[ast.Var]bool) map[ast.Var]bool {
	elim := make(map[ast.Var]bool, len(in.ranges))
	for v := range in.ranges {
		if !ctx[v] {
			elim[v] = true
		}
	}
	return elim
}
