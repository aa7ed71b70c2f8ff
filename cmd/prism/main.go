package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/theotherphil/prism/internal/ast"
	"github.com/theotherphil/prism/internal/bounds"
	"github.com/theotherphil/prism/internal/buffer"
	"github.com/theotherphil/prism/internal/graph"
	"github.com/theotherphil/prism/internal/kernel"
	"github.com/theotherphil/prism/internal/llvmgen"
	"github.com/theotherphil/prism/internal/lower"
	"github.com/theotherphil/prism/internal/schedule"
)

// prism runs the separable 3x3 blur pipeline under a chosen schedule.
//
// Flags:
//
//	-in          input PGM image (default: a synthetic 64x64 gradient)
//	-out         output PGM path
//	-schedule    inline, root, at-y, split or strip
//	-print-loops print the lowered loop nest and exit
//	-emit-llvm   print the LLVM IR module and exit
//	-trace       print a summary of every buffer access
//	-watch       rerun whenever the input image changes
func main() {
	var (
		inPath     string
		outPath    string
		schedName  string
		printLoops bool
		emitLLVM   bool
		trace      bool
		watch      bool
	)
	flag.StringVar(&inPath, "in", "", "input PGM image; empty for a synthetic gradient")
	flag.StringVar(&outPath, "out", "", "output PGM path")
	flag.StringVar(&schedName, "schedule", "root", "schedule variant: inline, root, at-y, split, strip")
	flag.BoolVar(&printLoops, "print-loops", false, "print the lowered loop nest and exit")
	flag.BoolVar(&emitLLVM, "emit-llvm", false, "print the LLVM IR module and exit")
	flag.BoolVar(&trace, "trace", false, "print a per-buffer access summary")
	flag.BoolVar(&watch, "watch", false, "rerun whenever -in changes")
	flag.Parse()

	log.SetFlags(0)
	log.SetPrefix("prism: ")

	run := func() error {
		return runOnce(inPath, outPath, schedName, printLoops, emitLLVM, trace)
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}

	if !watch {
		return
	}
	if inPath == "" {
		log.Fatal("-watch needs -in")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatal(err)
	}
	defer watcher.Close()
	if err := watcher.Add(inPath); err != nil {
		log.Fatal(err)
	}
	log.Printf("watching %s", inPath)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Printf("%s changed, rerunning", inPath)
			if err := run(); err != nil {
				log.Print(err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Print(err)
		}
	}
}

func runOnce(inPath, outPath, schedName string, printLoops, emitLLVM, trace bool) error {
	in, err := loadInput(inPath)
	if err != nil {
		return err
	}
	ext := in.Extents()
	w, h := ext[0], ext[1]
	if w < 3 || h < 3 {
		return fmt.Errorf("input must be at least 3x3, got %dx%d", w, h)
	}

	var (
		g        *graph.Graph
		hID, vID graph.FuncID
	)
	if schedName == "inline" {
		// The fused single-stage pipeline: no intermediate at all.
		g, vID, err = fusedBlurPipeline()
	} else {
		g, hID, vID, err = blurPipeline()
	}
	if err != nil {
		return err
	}
	s, err := buildSchedule(g, hID, vID, schedName)
	if err != nil {
		return err
	}

	x, y := ast.Var("x"), ast.Var("y")
	outputs := map[graph.FuncID]bounds.Region{
		vID: bounds.ConstRegion([]ast.Var{x, y}, []int64{1, 1}, []int64{int64(w) - 2, int64(h) - 2}),
	}
	prog, err := lower.Lower("blur3", g, s, outputs, map[string][]int64{"input": {int64(w), int64(h)}})
	if err != nil {
		return err
	}

	if printLoops {
		fmt.Print(prog.String())
		return nil
	}
	if emitLLVM {
		m, err := llvmgen.Emit(prog)
		if err != nil {
			return err
		}
		fmt.Print(m.String())
		return nil
	}

	var tr buffer.Trace
	var opts []kernel.Option
	if trace {
		opts = append(opts, kernel.WithAllocator(func(name string, extents []int) buffer.Store {
			return tr.Wrap(name, buffer.New(extents...))
		}))
	}
	k, err := kernel.Compile(prog, opts...)
	if err != nil {
		return err
	}

	out := buffer.New(w-2, h-2)
	inputs := map[string]buffer.Store{"input": in}
	outs := map[string]buffer.Store{"blur_v": out}
	if trace {
		inputs["input"] = tr.Wrap("input", in)
		outs["blur_v"] = tr.Wrap("blur_v", out)
	}
	start := time.Now()
	if err := k.Run(inputs, outs, nil); err != nil {
		return err
	}
	log.Printf("schedule %s: %dx%d in %v", schedName, w-2, h-2, time.Since(start))

	if trace {
		printTrace(&tr)
	}
	if outPath != "" {
		if err := writePGM(outPath, out); err != nil {
			return err
		}
		log.Printf("wrote %s", outPath)
	}
	return nil
}

func loadInput(path string) (*buffer.Buffer, error) {
	if path != "" {
		return readPGM(path)
	}
	in := buffer.New(64, 64)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			in.Set(int32((x*4+y*4)%256), x, y)
		}
	}
	return in, nil
}

func blurPipeline() (*graph.Graph, graph.FuncID, graph.FuncID, error) {
	x, y := ast.Var("x"), ast.Var("y")
	b := graph.NewBuilder()
	if _, err := b.AddSource("input", x, y); err != nil {
		return nil, 0, 0, err
	}
	h, err := b.AddFunc("blur_h", []ast.Var{x, y},
		ast.Div(ast.Add(ast.Add(
			ast.At("input", ast.Sub(x, ast.Int(1)), y),
			ast.At("input", x, y)),
			ast.At("input", ast.Add(x, ast.Int(1)), y)), ast.Int(3)))
	if err != nil {
		return nil, 0, 0, err
	}
	v, err := b.AddFunc("blur_v", []ast.Var{x, y},
		ast.Div(ast.Add(ast.Add(
			ast.At("blur_h", x, ast.Sub(y, ast.Int(1))),
			ast.At("blur_h", x, y)),
			ast.At("blur_h", x, ast.Add(y, ast.Int(1)))), ast.Int(3)))
	if err != nil {
		return nil, 0, 0, err
	}
	g, err := b.Finalize(v)
	if err != nil {
		return nil, 0, 0, err
	}
	return g, h, v, nil
}

// fusedBlurPipeline is the hand-inlined variant: one function computing
// the full 3x3 mean from the input, no intermediate stage.
func fusedBlurPipeline() (*graph.Graph, graph.FuncID, error) {
	x, y := ast.Var("x"), ast.Var("y")
	b := graph.NewBuilder()
	if _, err := b.AddSource("input", x, y); err != nil {
		return nil, 0, err
	}
	row := func(dy int64) ast.Expr {
		yy := ast.Expr(y)
		if dy != 0 {
			yy = ast.Add(y, ast.Int(dy))
		}
		return ast.Div(ast.Add(ast.Add(
			ast.At("input", ast.Sub(x, ast.Int(1)), yy),
			ast.At("input", x, yy)),
			ast.At("input", ast.Add(x, ast.Int(1)), yy)), ast.Int(3))
	}
	v, err := b.AddFunc("blur_v", []ast.Var{x, y},
		ast.Div(ast.Add(ast.Add(row(-1), row(0)), row(1)), ast.Int(3)))
	if err != nil {
		return nil, 0, err
	}
	g, err := b.Finalize(v)
	if err != nil {
		return nil, 0, err
	}
	return g, v, nil
}

func buildSchedule(g *graph.Graph, h, v graph.FuncID, name string) (*schedule.Schedule, error) {
	x, y := ast.Var("x"), ast.Var("y")
	s := schedule.New(g)
	switch name {
	case "root", "inline":
		return s, nil
	case "at-y":
		if err := s.ComputeAt(h, v, y); err != nil {
			return nil, err
		}
		return s, nil
	case "split":
		xo, xi, err := s.Split(v, x, 8)
		if err != nil {
			return nil, err
		}
		if err := s.Reorder(v, xo, xi, y); err != nil {
			return nil, err
		}
		return s, nil
	case "strip":
		yo, _, err := s.Split(v, y, 8)
		if err != nil {
			return nil, err
		}
		if err := s.ComputeAt(h, v, yo); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown schedule %q (want inline, root, at-y, split or strip)", name)
}

func printTrace(tr *buffer.Trace) {
	type stats struct{ reads, writes, clears int }
	byBuffer := map[string]*stats{}
	var order []string
	for _, a := range tr.Actions() {
		st, ok := byBuffer[a.Buffer]
		if !ok {
			st = &stats{}
			byBuffer[a.Buffer] = st
			order = append(order, a.Buffer)
		}
		switch a.Kind {
		case buffer.Read:
			st.reads++
		case buffer.Write:
			st.writes++
		case buffer.Cleared:
			st.clears++
		}
	}
	for _, name := range order {
		st := byBuffer[name]
		fmt.Fprintf(os.Stderr, "%-12s %8d reads %8d writes %4d clears\n",
			name, st.reads, st.writes, st.clears)
	}
}
