// Package llvmgen translates lowered programs into LLVM IR modules.
// The emitted function takes every input and output buffer as a
// pointer plus per-dimension extents, and each pipeline parameter as an
// i64, so the module can be compiled and linked against any caller that
// allocates the buffers.
package llvmgen

import (
	"strconv"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"

	"github.com/theotherphil/prism/internal/ast"
	"github.com/theotherphil/prism/internal/lower"
)

// ErrEmit marks a program the backend cannot translate.
var ErrEmit = errors.New("llvm emission failure")

type bufferRef struct {
	ptr     value.Value
	raw     value.Value // i8* handed back to free, nil for caller-owned buffers
	extents []value.Value
}

type emitter struct {
	f      *ir.Func
	cur    *ir.Block
	vars   map[ast.Var]*ir.InstAlloca
	bufs   map[string]*bufferRef
	params map[string]value.Value
	malloc *ir.Func
	free   *ir.Func
}

// Emit builds an LLVM module containing one function named after the
// program. Buffers are dense row-major i32 arrays, first dimension
// fastest; all index arithmetic is i64.
func Emit(prog *lower.Program) (*ir.Module, error) {
	m := ir.NewModule()
	i8p := types.NewPointer(types.I8)
	i32p := types.NewPointer(types.I32)
	malloc := m.NewFunc("malloc", i8p, ir.NewParam("", types.I64))
	free := m.NewFunc("free", types.Void, ir.NewParam("", i8p))

	var params []*ir.Param
	addBuffer := func(d lower.BufferDecl) []*ir.Param {
		ps := []*ir.Param{ir.NewParam(d.Name, i32p)}
		for i := range d.Extents {
			ps = append(ps, ir.NewParam(extentName(d.Name, i), types.I64))
		}
		params = append(params, ps...)
		return ps
	}

	e := &emitter{
		vars:   map[ast.Var]*ir.InstAlloca{},
		bufs:   map[string]*bufferRef{},
		params: map[string]value.Value{},
		malloc: malloc,
		free:   free,
	}
	for _, d := range prog.Inputs {
		ps := addBuffer(d)
		e.bufs[d.Name] = paramRef(ps)
	}
	for _, d := range prog.Outputs {
		ps := addBuffer(d)
		e.bufs[d.Name] = paramRef(ps)
	}
	for _, p := range prog.Params {
		ip := ir.NewParam(p, types.I64)
		params = append(params, ip)
		e.params[p] = ip
	}

	e.f = m.NewFunc(prog.Name, types.Void, params...)
	e.cur = e.f.NewBlock("entry")

	if err := e.nodes(prog.Nodes); err != nil {
		return nil, err
	}
	e.cur.NewRet(nil)
	return m, nil
}

func extentName(buf string, dim int) string {
	return buf + ".ext" + strconv.Itoa(dim)
}

func paramRef(ps []*ir.Param) *bufferRef {
	ref := &bufferRef{ptr: ps[0]}
	for _, p := range ps[1:] {
		ref.extents = append(ref.extents, p)
	}
	return ref
}

func (e *emitter) nodes(ns []lower.Node) error {
	for _, n := range ns {
		if err := e.node(n); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) node(n lower.Node) error {
	switch s := n.(type) {
	case *lower.Loop:
		return e.loop(s)
	case *lower.Allocate:
		return e.allocate(s)
	case *lower.Compute:
		return e.compute(s)
	}
	return errors.Wrapf(ErrEmit, "unknown node %T", n)
}

// loop emits the usual cond/body/inc/end diamond with the loop counter
// in a stack slot.
func (e *emitter) loop(s *lower.Loop) error {
	min, err := e.expr(s.Min)
	if err != nil {
		return err
	}
	extent, err := e.expr(s.Extent)
	if err != nil {
		return err
	}

	name := string(s.Var)
	slot := e.cur.NewAlloca(types.I64)
	slot.SetName(name + ".slot")
	e.cur.NewStore(min, slot)
	end := e.cur.NewAdd(min, extent)

	cond := e.f.NewBlock(name + ".for.cond")
	body := e.f.NewBlock(name + ".for.body")
	inc := e.f.NewBlock(name + ".for.inc")
	after := e.f.NewBlock(name + ".for.end")

	e.cur.NewBr(cond)
	iv := cond.NewLoad(types.I64, slot)
	cond.NewCondBr(cond.NewICmp(enum.IPredSLT, iv, end), body, after)

	if _, dup := e.vars[s.Var]; dup {
		return errors.Wrapf(ErrEmit, "loop %s shadows an enclosing loop", s.Var)
	}
	e.vars[s.Var] = slot
	e.cur = body
	if err := e.nodes(s.Body); err != nil {
		return err
	}
	delete(e.vars, s.Var)

	e.cur.NewBr(inc)
	next := inc.NewAdd(inc.NewLoad(types.I64, slot), constant.NewInt(types.I64, 1))
	inc.NewStore(next, slot)
	inc.NewBr(cond)

	e.cur = after
	return nil
}

func (e *emitter) allocate(s *lower.Allocate) error {
	if _, dup := e.bufs[s.Func]; dup {
		return errors.Wrapf(ErrEmit, "allocation %s shadows a live buffer", s.Func)
	}
	ref := &bufferRef{}
	numel := value.Value(constant.NewInt(types.I64, 1))
	for _, iv := range s.Region.Intervals {
		ext, err := e.expr(iv.Extent())
		if err != nil {
			return err
		}
		ref.extents = append(ref.extents, ext)
		numel = e.cur.NewMul(numel, ext)
	}
	bytes := e.cur.NewMul(numel, constant.NewInt(types.I64, 4))
	ref.raw = e.cur.NewCall(e.malloc, bytes)
	ref.ptr = e.cur.NewBitCast(ref.raw, types.NewPointer(types.I32))
	e.bufs[s.Func] = ref

	if err := e.nodes(s.Body); err != nil {
		return err
	}

	e.cur.NewCall(e.free, ref.raw)
	delete(e.bufs, s.Func)
	return nil
}

func (e *emitter) compute(s *lower.Compute) error {
	ref, ok := e.bufs[s.Func]
	if !ok {
		return errors.Wrapf(ErrEmit, "compute targets unknown buffer %s", s.Func)
	}
	ptr, err := e.elementPtr(ref, s.Coords)
	if err != nil {
		return err
	}
	v, err := e.expr(s.Value)
	if err != nil {
		return err
	}
	e.cur.NewStore(e.cur.NewTrunc(v, types.I32), ptr)
	return nil
}

// elementPtr computes &buf[linearize(coords)] with the first dimension
// fastest: ((c_{n-1} * ext_{n-2} + c_{n-2}) * ... ) * ext_0 + c_0.
func (e *emitter) elementPtr(ref *bufferRef, coords []ast.Expr) (value.Value, error) {
	if len(coords) != len(ref.extents) {
		return nil, errors.Wrapf(ErrEmit, "rank mismatch: %d coordinates, %d extents", len(coords), len(ref.extents))
	}
	vals := make([]value.Value, len(coords))
	for i, c := range coords {
		v, err := e.expr(c)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	idx := vals[len(vals)-1]
	for i := len(vals) - 2; i >= 0; i-- {
		idx = e.cur.NewAdd(e.cur.NewMul(idx, ref.extents[i]), vals[i])
	}
	return e.cur.NewGetElementPtr(types.I32, ref.ptr, idx), nil
}

func (e *emitter) expr(x ast.Expr) (value.Value, error) {
	switch n := x.(type) {
	case ast.Const:
		return constant.NewInt(types.I64, n.Value), nil
	case ast.Var:
		slot, ok := e.vars[n]
		if !ok {
			return nil, errors.Wrapf(ErrEmit, "unbound variable %s", n)
		}
		return e.cur.NewLoad(types.I64, slot), nil
	case ast.Param:
		p, ok := e.params[n.Name]
		if !ok {
			return nil, errors.Wrapf(ErrEmit, "undeclared parameter %s", n.Name)
		}
		return p, nil
	case ast.Access:
		ref, ok := e.bufs[n.Source]
		if !ok {
			return nil, errors.Wrapf(ErrEmit, "access to unknown buffer %s", n.Source)
		}
		ptr, err := e.elementPtr(ref, n.Index)
		if err != nil {
			return nil, err
		}
		return e.cur.NewSExt(e.cur.NewLoad(types.I32, ptr), types.I64), nil
	case ast.Bin:
		l, err := e.expr(n.L)
		if err != nil {
			return nil, err
		}
		r, err := e.expr(n.R)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case ast.OpAdd:
			return e.cur.NewAdd(l, r), nil
		case ast.OpSub:
			return e.cur.NewSub(l, r), nil
		case ast.OpMul:
			return e.cur.NewMul(l, r), nil
		case ast.OpDiv:
			return e.cur.NewSDiv(l, r), nil
		case ast.OpMin:
			return e.cur.NewSelect(e.cur.NewICmp(enum.IPredSLT, l, r), l, r), nil
		case ast.OpMax:
			return e.cur.NewSelect(e.cur.NewICmp(enum.IPredSGT, l, r), l, r), nil
		}
	}
	return nil, errors.Wrapf(ErrEmit, "unknown expression %T", x)
}
