package graph

import (
	"errors"
	"testing"

	"github.com/theotherphil/prism/internal/ast"
)

var x, y = ast.Var("x"), ast.Var("y")

func dims(vs ...ast.Var) []ast.Var { return vs }

func buildBlur(t *testing.T) (*Graph, FuncID, FuncID, FuncID) {
	t.Helper()
	b := NewBuilder()
	in, err := b.AddSource("input", x, y)
	if err != nil {
		t.Fatal(err)
	}
	h, err := b.AddFunc("blur_h", dims(x, y),
		ast.Div(ast.Add(ast.Add(
			ast.At("input", ast.Sub(x, ast.Int(1)), y),
			ast.At("input", x, y)),
			ast.At("input", ast.Add(x, ast.Int(1)), y)), ast.Int(3)))
	if err != nil {
		t.Fatal(err)
	}
	v, err := b.AddFunc("blur_v", dims(x, y),
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

func TestBuildBlurGraph(t *testing.T) {
	g, in, h, v := buildBlur(t)

	if g.Len() != 3 {
		t.Fatalf("Len = %d, want 3", g.Len())
	}
	if !g.Func(in).IsSource() || g.Func(h).IsSource() {
		t.Error("source flags wrong")
	}
	if got := g.Producers(v); len(got) != 1 || got[0] != h {
		t.Errorf("Producers(blur_v) = %v", got)
	}
	if got := g.Consumers(h); len(got) != 1 || got[0] != v {
		t.Errorf("Consumers(blur_h) = %v", got)
	}
	if got := g.Consumers(in); len(got) != 1 || got[0] != h {
		t.Errorf("Consumers(input) = %v", got)
	}
}

func TestReaches(t *testing.T) {
	g, in, h, v := buildBlur(t)

	if !g.Reaches(v, h) || !g.Reaches(v, in) || !g.Reaches(h, in) {
		t.Error("expected transitive reachability through the blur chain")
	}
	if g.Reaches(h, v) || g.Reaches(in, v) || g.Reaches(v, v) {
		t.Error("reachability should follow producer direction only")
	}
}

func TestUndefinedReference(t *testing.T) {
	b := NewBuilder()
	if _, err := b.AddFunc("f", dims(x, y), ast.At("ghost", x, y)); !errors.Is(err, ErrUndefinedReference) {
		t.Fatalf("expected ErrUndefinedReference, got %v", err)
	}
	// The failed call added nothing.
	if _, err := b.AddSource("ghost", x, y); err != nil {
		t.Fatalf("builder unusable after failed add: %v", err)
	}
	if _, err := b.AddFunc("f", dims(x, y), ast.At("ghost", x, y)); err != nil {
		t.Fatalf("retry after defining the producer failed: %v", err)
	}
}

func TestForwardReferenceIsRejected(t *testing.T) {
	// Referencing a not-yet-defined function is a construction error,
	// which is what makes cycles structurally impossible.
	b := NewBuilder()
	if _, err := b.AddFunc("a", dims(x), ast.At("b", x)); !errors.Is(err, ErrUndefinedReference) {
		t.Fatalf("expected ErrUndefinedReference, got %v", err)
	}
}

func TestBadDefinitions(t *testing.T) {
	b := NewBuilder()
	if _, err := b.AddSource("in", x, y); err != nil {
		t.Fatal(err)
	}

	if _, err := b.AddSource("in", x, y); !errors.Is(err, ErrDuplicateFunction) {
		t.Errorf("duplicate name: got %v", err)
	}
	if _, err := b.AddFunc("f", dims(x), ast.At("in", x, y)); !errors.Is(err, ErrBadDefinition) {
		t.Errorf("undeclared variable in body: got %v", err)
	}
	if _, err := b.AddFunc("f", dims(x, y), ast.At("in", x)); !errors.Is(err, ErrBadDefinition) {
		t.Errorf("index arity mismatch: got %v", err)
	}
	if _, err := b.AddFunc("f", dims(x, y), ast.At("in", ast.At("in", x, y), y)); !errors.Is(err, ErrBadDefinition) {
		t.Errorf("nested access in index: got %v", err)
	}
}

func TestFinalizeValidation(t *testing.T) {
	b := NewBuilder()
	in, _ := b.AddSource("in", x, y)
	if _, err := b.Finalize(); !errors.Is(err, ErrBadDefinition) {
		t.Errorf("no outputs: got %v", err)
	}
	if _, err := b.Finalize(in); !errors.Is(err, ErrBadDefinition) {
		t.Errorf("source output: got %v", err)
	}
}

func TestRealizeSetSkipsUnreachable(t *testing.T) {
	b := NewBuilder()
	in, _ := b.AddSource("in", x, y)
	f, err := b.AddFunc("f", dims(x, y), ast.At("in", x, y))
	if err != nil {
		t.Fatal(err)
	}
	// g is retained in the graph but not realized.
	if _, err := b.AddFunc("g", dims(x, y), ast.Mul(ast.At("in", x, y), ast.Int(2))); err != nil {
		t.Fatal(err)
	}
	g, err := b.Finalize(f)
	if err != nil {
		t.Fatal(err)
	}
	set := g.RealizeSet()
	if len(set) != 2 || set[0] != in || set[1] != f {
		t.Errorf("RealizeSet = %v, want [%d %d]", set, in, f)
	}
	if g.Len() != 3 {
		t.Errorf("unreachable function dropped from graph")
	}
}

func TestParams(t *testing.T) {
	b := NewBuilder()
	if _, err := b.AddSource("in", x, y); err != nil {
		t.Fatal(err)
	}
	f, err := b.AddFunc("scaled", dims(x, y),
		ast.Add(ast.Mul(ast.At("in", x, y), ast.Param{Name: "gain"}), ast.Param{Name: "bias"}))
	if err != nil {
		t.Fatal(err)
	}
	g, err := b.Finalize(f)
	if err != nil {
		t.Fatal(err)
	}
	got := g.Params()
	if len(got) != 2 || got[0] != "bias" || got[1] != "gain" {
		t.Errorf("Params = %v, want [bias gain]", got)
	}
}
