package bounds

import (
	"errors"
	"testing"

	"github.com/theotherphil/prism/internal/ast"
	"github.com/theotherphil/prism/internal/graph"
	"github.com/theotherphil/prism/internal/schedule"
)

var x, y = ast.Var("x"), ast.Var("y")

// blur3: horizontal then vertical mean over a 3-wide stencil.
func blurGraph(t *testing.T) (*graph.Graph, graph.FuncID, graph.FuncID, graph.FuncID) {
	t.Helper()
	b := graph.NewBuilder()
	in, err := b.AddSource("input", x, y)
	if err != nil {
		t.Fatal(err)
	}
	h, err := b.AddFunc("blur_h", []ast.Var{x, y},
		ast.Div(ast.Add(ast.Add(
			ast.At("input", ast.Sub(x, ast.Int(1)), y),
			ast.At("input", x, y)),
			ast.At("input", ast.Add(x, ast.Int(1)), y)), ast.Int(3)))
	if err != nil {
		t.Fatal(err)
	}
	v, err := b.AddFunc("blur_v", []ast.Var{x, y},
		ast.Div(ast.Add(ast.Add(
			ast.At("blur_h", x, ast.Sub(y, ast.Int(1))),
			ast.At("blur_h", x, y)),
			ast.At("blur_h", x, ast.Add(y, ast.Int(1)))), ast.Int(3)))
	if err != nil {
		t.Fatal(err)
	}
	g, err := b.Finalize(v)
	if err != nil {
		t.Fatal(err)
	}
	return g, in, h, v
}

func outRegion(w, hgt int64) Region {
	return ConstRegion([]ast.Var{x, y}, []int64{0, 0}, []int64{w - 1, hgt - 1})
}

func constInterval(t *testing.T, iv Interval) (int64, int64) {
	t.Helper()
	lo, lok := ast.ConstValue(iv.Min)
	hi, hok := ast.ConstValue(iv.Max)
	if !lok || !hok {
		t.Fatalf("interval %s is not constant", iv)
	}
	return lo, hi
}

func checkConstRegion(t *testing.T, r Region, want [][2]int64) {
	t.Helper()
	if len(r.Intervals) != len(want) {
		t.Fatalf("region %s has rank %d, want %d", r, len(r.Intervals), len(want))
	}
	for i, w := range want {
		lo, hi := constInterval(t, r.Intervals[i])
		if lo != w[0] || hi != w[1] {
			t.Errorf("dim %s = [%d, %d], want [%d, %d]", r.Dims[i], lo, hi, w[0], w[1])
		}
	}
}

func TestRootRegions(t *testing.T) {
	g, in, h, v := blurGraph(t)
	s := schedule.New(g)

	p, err := Infer(g, s, map[graph.FuncID]Region{v: outRegion(20, 10)})
	if err != nil {
		t.Fatal(err)
	}

	// blur_v reads rows y-1..y+1 of blur_h, blur_h reads columns x-1..x+1
	// of input.
	checkConstRegion(t, p.Funcs[h].Storage, [][2]int64{{0, 19}, {-1, 10}})
	checkConstRegion(t, p.Sources[in], [][2]int64{{-1, 20}, {-1, 10}})

	// Producers precede consumers in the root realize list.
	if len(p.Root) != 2 || p.Root[0] != h || p.Root[1] != v {
		t.Errorf("Root = %v, want [%d %d]", p.Root, h, v)
	}
	if len(p.AtSite) != 0 {
		t.Errorf("AtSite = %v, want empty", p.AtSite)
	}

	// Loop ranges for the output: y outermost over [0, 10), x over [0, 20).
	loops := p.Funcs[v].Loops
	if len(loops) != 2 || loops[0].Var != "blur_v.y" || loops[1].Var != "blur_v.x" {
		t.Fatalf("blur_v loops = %v", loops)
	}
	if min, _ := ast.ConstValue(loops[0].Min); min != 0 {
		t.Errorf("y min = %s", loops[0].Min)
	}
	if ext, _ := ast.ConstValue(loops[0].Extent); ext != 10 {
		t.Errorf("y extent = %s", loops[0].Extent)
	}
	if ext, _ := ast.ConstValue(loops[1].Extent); ext != 20 {
		t.Errorf("x extent = %s", loops[1].Extent)
	}
}

func TestComputeAtRegion(t *testing.T) {
	g, _, h, v := blurGraph(t)
	s := schedule.New(g)
	if err := s.ComputeAt(h, v, y); err != nil {
		t.Fatal(err)
	}

	p, err := Infer(g, s, map[graph.FuncID]Region{v: outRegion(20, 10)})
	if err != nil {
		t.Fatal(err)
	}

	site := Site{Consumer: v, Var: "blur_v.y"}
	if got := p.AtSite[site]; len(got) != 1 || got[0] != h {
		t.Fatalf("AtSite[%v] = %v, want [%d]", site, got, h)
	}
	if len(p.Root) != 1 || p.Root[0] != v {
		t.Errorf("Root = %v, want [%d]", p.Root, v)
	}

	// Per-iteration storage: the x interval is closed, the y interval
	// slides with the consumer's loop variable.
	st := p.Funcs[h].Storage
	for _, k := range []int64{0, 4, 9} {
		box, err := st.EvalAt(map[ast.Var]int64{"blur_v.y": k})
		if err != nil {
			t.Fatal(err)
		}
		if box[0] != [2]int64{0, 19} {
			t.Errorf("at y=%d: x = %v, want [0 19]", k, box[0])
		}
		if box[1] != [2]int64{k - 1, k + 1} {
			t.Errorf("at y=%d: y = %v, want [%d %d]", k, box[1], k-1, k+1)
		}
	}

	// The sliding loop has a constant extent of 3 rows.
	loops := p.Funcs[h].Loops
	if len(loops) != 2 || loops[0].Var != "blur_h.y" {
		t.Fatalf("blur_h loops = %v", loops)
	}
	if ext, ok := ast.ConstValue(loops[0].Extent); !ok || ext != 3 {
		t.Errorf("blur_h.y extent = %s, want 3", loops[0].Extent)
	}
}

// The union of the per-iteration regions over the consumer's loop must
// equal the region inferred for the same function at root.
func TestIterationUnionMatchesRootRegion(t *testing.T) {
	g, _, h, v := blurGraph(t)

	root := schedule.New(g)
	rp, err := Infer(g, root, map[graph.FuncID]Region{v: outRegion(20, 10)})
	if err != nil {
		t.Fatal(err)
	}

	at := schedule.New(g)
	if err := at.ComputeAt(h, v, y); err != nil {
		t.Fatal(err)
	}
	ap, err := Infer(g, at, map[graph.FuncID]Region{v: outRegion(20, 10)})
	if err != nil {
		t.Fatal(err)
	}

	st := ap.Funcs[h].Storage
	var acc [][2]int64
	for k := int64(0); k < 10; k++ {
		box, err := st.EvalAt(map[ast.Var]int64{"blur_v.y": k})
		if err != nil {
			t.Fatal(err)
		}
		if acc == nil {
			acc = box
			continue
		}
		for i := range acc {
			if box[i][0] < acc[i][0] {
				acc[i][0] = box[i][0]
			}
			if box[i][1] > acc[i][1] {
				acc[i][1] = box[i][1]
			}
		}
	}

	want, err := rp.Funcs[h].Storage.EvalAt(nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if acc[i] != want[i] {
			t.Errorf("dim %d: union of iterations = %v, root region = %v", i, acc[i], want[i])
		}
	}
}

// Adding a second consumer with a wider stencil can only grow the
// producer's region.
func TestRegionsAccumulateAcrossConsumers(t *testing.T) {
	build := func(wide bool) (*graph.Graph, graph.FuncID) {
		b := graph.NewBuilder()
		if _, err := b.AddSource("in", x); err != nil {
			t.Fatal(err)
		}
		f, err := b.AddFunc("f", []ast.Var{x}, ast.Mul(ast.At("in", x), ast.Int(2)))
		if err != nil {
			t.Fatal(err)
		}
		narrow, err := b.AddFunc("narrow", []ast.Var{x},
			ast.Add(ast.At("f", x), ast.At("f", ast.Add(x, ast.Int(1)))))
		if err != nil {
			t.Fatal(err)
		}
		outs := []graph.FuncID{narrow}
		if wide {
			w, err := b.AddFunc("wide", []ast.Var{x},
				ast.Add(ast.At("f", ast.Sub(x, ast.Int(4))), ast.At("f", ast.Add(x, ast.Int(4)))))
			if err != nil {
				t.Fatal(err)
			}
			outs = append(outs, w)
		}
		g, err := b.Finalize(outs...)
		if err != nil {
			t.Fatal(err)
		}
		return g, f
	}

	req := ConstRegion([]ast.Var{x}, []int64{0}, []int64{9})

	g1, f1 := build(false)
	p1, err := Infer(g1, schedule.New(g1), map[graph.FuncID]Region{g1.Outputs()[0]: req})
	if err != nil {
		t.Fatal(err)
	}
	checkConstRegion(t, p1.Funcs[f1].Storage, [][2]int64{{0, 10}})

	g2, f2 := build(true)
	outs := map[graph.FuncID]Region{}
	for _, o := range g2.Outputs() {
		outs[o] = req
	}
	p2, err := Infer(g2, schedule.New(g2), outs)
	if err != nil {
		t.Fatal(err)
	}
	checkConstRegion(t, p2.Funcs[f2].Storage, [][2]int64{{-4, 13}})
}

func TestSplitLoopRanges(t *testing.T) {
	g, _, _, v := blurGraph(t)
	s := schedule.New(g)
	xo, xi, err := s.Split(v, x, 7)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Reorder(v, xo, xi, y); err != nil {
		t.Fatal(err)
	}

	p, err := Infer(g, s, map[graph.FuncID]Region{v: outRegion(20, 10)})
	if err != nil {
		t.Fatal(err)
	}

	loops := p.Funcs[v].Loops
	want := []ast.Var{"blur_v.xo", "blur_v.xi", "blur_v.y"}
	if len(loops) != 3 {
		t.Fatalf("loops = %v", loops)
	}
	for i := range want {
		if loops[i].Var != want[i] {
			t.Fatalf("loop %d = %s, want %s", i, loops[i].Var, want[i])
		}
	}

	// ceil(20/7) outer iterations.
	if ext, ok := ast.ConstValue(loops[0].Extent); !ok || ext != 3 {
		t.Fatalf("outer extent = %s, want 3", loops[0].Extent)
	}
	// The inner extent is clamped: 7, 7, then 6 for the remainder tile.
	for o, wantExt := range []int64{7, 7, 6} {
		got, err := ast.Eval(loops[1].Extent, map[ast.Var]int64{"blur_v.xo": int64(o)})
		if err != nil {
			t.Fatal(err)
		}
		if got != wantExt {
			t.Errorf("inner extent at xo=%d: %d, want %d", o, got, wantExt)
		}
	}

	// The rewritten dimension value reconstructs every original index
	// exactly once across the split loops.
	dv := p.Funcs[v].DimValue[x]
	seen := map[int64]int{}
	for o := int64(0); o < 3; o++ {
		innerExt, _ := ast.Eval(loops[1].Extent, map[ast.Var]int64{"blur_v.xo": o})
		for i := int64(0); i < innerExt; i++ {
			idx, err := ast.Eval(dv, map[ast.Var]int64{"blur_v.xo": o, "blur_v.xi": i})
			if err != nil {
				t.Fatal(err)
			}
			seen[idx]++
		}
	}
	for idx := int64(0); idx < 20; idx++ {
		if seen[idx] != 1 {
			t.Errorf("index %d visited %d times", idx, seen[idx])
		}
	}
	if len(seen) != 20 {
		t.Errorf("visited %d distinct indices, want 20", len(seen))
	}
}

func TestBadOutputRequests(t *testing.T) {
	g, _, _, v := blurGraph(t)
	s := schedule.New(g)

	cases := map[string]map[graph.FuncID]Region{
		"missing": {},
		"rank":    {v: ConstRegion([]ast.Var{x}, []int64{0}, []int64{9})},
		"empty":   {v: ConstRegion([]ast.Var{x, y}, []int64{0, 5}, []int64{19, 4})},
		"symbolic": {v: Region{
			Dims:      []ast.Var{x, y},
			Intervals: []Interval{{Min: ast.Int(0), Max: y}, {Min: ast.Int(0), Max: ast.Int(9)}},
		}},
	}
	for name, outs := range cases {
		if _, err := Infer(g, s, outs); !errors.Is(err, ErrBadRegion) {
			t.Errorf("%s: got %v, want ErrBadRegion", name, err)
		}
	}
}

func TestAnchorMustEncloseAllConsumers(t *testing.T) {
	b := graph.NewBuilder()
	if _, err := b.AddSource("in", x); err != nil {
		t.Fatal(err)
	}
	f, err := b.AddFunc("f", []ast.Var{x}, ast.Mul(ast.At("in", x), ast.Int(2)))
	if err != nil {
		t.Fatal(err)
	}
	gfn, err := b.AddFunc("g", []ast.Var{x}, ast.Add(ast.At("f", x), ast.Int(1)))
	if err != nil {
		t.Fatal(err)
	}
	hfn, err := b.AddFunc("h", []ast.Var{x},
		ast.Add(ast.At("f", x), ast.At("g", x)))
	if err != nil {
		t.Fatal(err)
	}
	g, err := b.Finalize(hfn)
	if err != nil {
		t.Fatal(err)
	}

	req := map[graph.FuncID]Region{hfn: ConstRegion([]ast.Var{x}, []int64{0}, []int64{9})}

	// f is read by both g and h; anchoring it inside g's loop hides it
	// from h.
	s := schedule.New(g)
	if err := s.ComputeAt(f, gfn, x); err != nil {
		t.Fatal(err)
	}
	if _, err := Infer(g, s, req); !errors.Is(err, schedule.ErrInvalidAnchor) {
		t.Fatalf("escaping consumer: got %v", err)
	}

	// Anchoring f in h encloses g's reads once g itself sits in h.
	s2 := schedule.New(g)
	if err := s2.ComputeAt(f, hfn, x); err != nil {
		t.Fatal(err)
	}
	if err := s2.ComputeAt(gfn, hfn, x); err != nil {
		t.Fatal(err)
	}
	if _, err := Infer(g, s2, req); err != nil {
		t.Fatalf("valid shared anchor rejected: %v", err)
	}
}

// Splitting a loop variable that an existing anchor names leaves the
// anchor dangling; inference must reject it rather than lower a program
// that never realizes the producer.
func TestAnchorStaleAfterSplit(t *testing.T) {
	g, _, h, v := blurGraph(t)
	s := schedule.New(g)
	if err := s.ComputeAt(h, v, y); err != nil {
		t.Fatal(err)
	}
	yo, _, err := s.Split(v, y, 3)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Infer(g, s, map[graph.FuncID]Region{v: outRegion(20, 10)}); !errors.Is(err, schedule.ErrInvalidAnchor) {
		t.Fatalf("stale anchor: got %v, want ErrInvalidAnchor", err)
	}

	// Re-anchoring at the derived variable makes the schedule valid again.
	if err := s.ComputeAt(h, v, yo); err != nil {
		t.Fatal(err)
	}
	p, err := Infer(g, s, map[graph.FuncID]Region{v: outRegion(20, 10)})
	if err != nil {
		t.Fatalf("re-anchored schedule rejected: %v", err)
	}
	site := Site{Consumer: v, Var: "blur_v.yo"}
	if got := p.AtSite[site]; len(got) != 1 || got[0] != h {
		t.Errorf("AtSite[%v] = %v, want [%d]", site, got, h)
	}
}

func TestOutputMustBeRoot(t *testing.T) {
	b := graph.NewBuilder()
	if _, err := b.AddSource("in", x); err != nil {
		t.Fatal(err)
	}
	f1, err := b.AddFunc("stage1", []ast.Var{x}, ast.Add(ast.At("in", x), ast.Int(1)))
	if err != nil {
		t.Fatal(err)
	}
	f2, err := b.AddFunc("stage2", []ast.Var{x}, ast.Mul(ast.At("stage1", x), ast.Int(2)))
	if err != nil {
		t.Fatal(err)
	}
	g, err := b.Finalize(f1, f2)
	if err != nil {
		t.Fatal(err)
	}

	s := schedule.New(g)
	if err := s.ComputeAt(f1, f2, x); err != nil {
		t.Fatal(err)
	}
	req := ConstRegion([]ast.Var{x}, []int64{0}, []int64{9})
	_, err = Infer(g, s, map[graph.FuncID]Region{f1: req, f2: req})
	if !errors.Is(err, schedule.ErrInvalidAnchor) {
		t.Fatalf("anchored output: got %v", err)
	}
}
