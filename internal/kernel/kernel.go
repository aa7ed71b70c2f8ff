// Package kernel executes lowered programs against live buffers. A
// program is compiled once into a tree of closures, then run any number
// of times with different inputs, outputs and parameter values.
package kernel

import (
	"github.com/pkg/errors"

	"github.com/theotherphil/prism/internal/ast"
	"github.com/theotherphil/prism/internal/buffer"
	"github.com/theotherphil/prism/internal/lower"
)

// Kernel errors.
var (
	// ErrCodegen marks a malformed program: an unbound loop variable,
	// an access to an unknown buffer, or an undeclared parameter.
	ErrCodegen = errors.New("codegen failure")
	// ErrExecution marks a runtime failure: a buffer or parameter
	// missing or mismatched at Run, a read outside an input buffer, or
	// division by zero.
	ErrExecution = errors.New("execution failure")
)

// Allocator produces storage for one intermediate realization. The
// default allocates a fresh Buffer; tests substitute trace-recording
// stores.
type Allocator func(name string, extents []int) buffer.Store

// Option configures a compiled kernel.
type Option func(*Kernel)

// WithAllocator replaces the intermediate-buffer allocator.
func WithAllocator(a Allocator) Option {
	return func(k *Kernel) { k.alloc = a }
}

// Kernel is a compiled, reusable pipeline executable.
type Kernel struct {
	prog  *lower.Program
	alloc Allocator
	body  stmt
}

type machine struct {
	env     map[ast.Var]int64
	params  map[string]int64
	buffers map[string]buffer.Store
	alloc   Allocator
}

type stmt func(m *machine) error
type value func(m *machine) (int64, error)

// Compile translates a lowered program into an executable kernel,
// rejecting programs that reference unbound variables, unknown buffers
// or undeclared parameters.
func Compile(prog *lower.Program, opts ...Option) (*Kernel, error) {
	k := &Kernel{
		prog: prog,
		alloc: func(name string, extents []int) buffer.Store {
			return buffer.New(extents...)
		},
	}
	for _, opt := range opts {
		opt(k)
	}

	c := &compiler{
		vars:     map[ast.Var]bool{},
		bufs:     map[string]int{},
		params:   map[string]bool{},
		writable: map[string]bool{},
	}
	for _, d := range prog.Inputs {
		c.bufs[d.Name] = len(d.Extents)
	}
	for _, d := range prog.Outputs {
		c.bufs[d.Name] = len(d.Extents)
		c.writable[d.Name] = true
	}
	for _, p := range prog.Params {
		c.params[p] = true
	}

	body, err := c.nodes(prog.Nodes)
	if err != nil {
		return nil, err
	}
	k.body = body
	return k, nil
}

// Run executes the kernel. Buffers are matched to the program's
// declarations by name and must have exactly the declared extents;
// every declared parameter must be supplied.
func (k *Kernel) Run(inputs, outputs map[string]buffer.Store, params map[string]int64) error {
	m := &machine{
		env:     map[ast.Var]int64{},
		params:  map[string]int64{},
		buffers: map[string]buffer.Store{},
		alloc:   k.alloc,
	}
	if err := bind(m, k.prog.Inputs, inputs, "input"); err != nil {
		return err
	}
	if err := bind(m, k.prog.Outputs, outputs, "output"); err != nil {
		return err
	}
	if len(inputs) != len(k.prog.Inputs) || len(outputs) != len(k.prog.Outputs) {
		return errors.Wrap(ErrExecution, "undeclared buffer supplied")
	}
	for _, p := range k.prog.Params {
		v, ok := params[p]
		if !ok {
			return errors.Wrapf(ErrExecution, "parameter %s not supplied", p)
		}
		m.params[p] = v
	}
	return k.body(m)
}

func bind(m *machine, decls []lower.BufferDecl, got map[string]buffer.Store, kind string) error {
	for _, d := range decls {
		b, ok := got[d.Name]
		if !ok {
			return errors.Wrapf(ErrExecution, "%s %s not supplied", kind, d.Name)
		}
		ext := b.Extents()
		if len(ext) != len(d.Extents) {
			return errors.Wrapf(ErrExecution, "%s %s has rank %d, want %d", kind, d.Name, len(ext), len(d.Extents))
		}
		for i, e := range d.Extents {
			if int64(ext[i]) != e {
				return errors.Wrapf(ErrExecution, "%s %s extent %d is %d, want %d", kind, d.Name, i, ext[i], e)
			}
		}
		m.buffers[d.Name] = b
	}
	return nil
}

type compiler struct {
	vars     map[ast.Var]bool
	bufs     map[string]int
	params   map[string]bool
	writable map[string]bool
}

func (c *compiler) nodes(ns []lower.Node) (stmt, error) {
	stmts := make([]stmt, len(ns))
	for i, n := range ns {
		s, err := c.node(n)
		if err != nil {
			return nil, err
		}
		stmts[i] = s
	}
	return func(m *machine) error {
		for _, s := range stmts {
			if err := s(m); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func (c *compiler) node(n lower.Node) (stmt, error) {
	switch s := n.(type) {
	case *lower.Loop:
		return c.loop(s)
	case *lower.Allocate:
		return c.allocate(s)
	case *lower.Compute:
		return c.compute(s)
	}
	return nil, errors.Wrapf(ErrCodegen, "unknown node %T", n)
}

func (c *compiler) loop(s *lower.Loop) (stmt, error) {
	min, err := c.value(s.Min)
	if err != nil {
		return nil, err
	}
	extent, err := c.value(s.Extent)
	if err != nil {
		return nil, err
	}
	if c.vars[s.Var] {
		return nil, errors.Wrapf(ErrCodegen, "loop %s shadows an enclosing loop", s.Var)
	}
	c.vars[s.Var] = true
	body, err := c.nodes(s.Body)
	delete(c.vars, s.Var)
	if err != nil {
		return nil, err
	}
	v := s.Var
	return func(m *machine) error {
		lo, err := min(m)
		if err != nil {
			return err
		}
		n, err := extent(m)
		if err != nil {
			return err
		}
		for i := int64(0); i < n; i++ {
			m.env[v] = lo + i
			if err := body(m); err != nil {
				return err
			}
		}
		delete(m.env, v)
		return nil
	}, nil
}

func (c *compiler) allocate(s *lower.Allocate) (stmt, error) {
	if _, dup := c.bufs[s.Func]; dup {
		return nil, errors.Wrapf(ErrCodegen, "allocation %s shadows a live buffer", s.Func)
	}
	extents := make([]value, len(s.Region.Intervals))
	for i, iv := range s.Region.Intervals {
		v, err := c.value(iv.Extent())
		if err != nil {
			return nil, err
		}
		extents[i] = v
	}
	c.bufs[s.Func] = len(extents)
	c.writable[s.Func] = true
	body, err := c.nodes(s.Body)
	delete(c.bufs, s.Func)
	delete(c.writable, s.Func)
	if err != nil {
		return nil, err
	}
	name := s.Func
	return func(m *machine) error {
		ext := make([]int, len(extents))
		for i, ev := range extents {
			n, err := ev(m)
			if err != nil {
				return err
			}
			if n < 1 {
				return errors.Wrapf(ErrExecution, "allocation %s has extent %d", name, n)
			}
			ext[i] = int(n)
		}
		m.buffers[name] = m.alloc(name, ext)
		if err := body(m); err != nil {
			return err
		}
		delete(m.buffers, name)
		return nil
	}, nil
}

func (c *compiler) compute(s *lower.Compute) (stmt, error) {
	rank, ok := c.bufs[s.Func]
	if !ok {
		return nil, errors.Wrapf(ErrCodegen, "compute targets unknown buffer %s", s.Func)
	}
	if !c.writable[s.Func] {
		return nil, errors.Wrapf(ErrCodegen, "compute writes input buffer %s", s.Func)
	}
	if len(s.Coords) != rank {
		return nil, errors.Wrapf(ErrCodegen, "compute %s has %d coordinates, want %d", s.Func, len(s.Coords), rank)
	}
	coords := make([]value, len(s.Coords))
	for i, e := range s.Coords {
		v, err := c.value(e)
		if err != nil {
			return nil, err
		}
		coords[i] = v
	}
	val, err := c.value(s.Value)
	if err != nil {
		return nil, err
	}
	name := s.Func
	return func(m *machine) error {
		p, err := evalPoint(m, name, coords)
		if err != nil {
			return err
		}
		v, err := val(m)
		if err != nil {
			return err
		}
		m.buffers[name].Set(int32(v), p...)
		return nil
	}, nil
}

func evalPoint(m *machine, name string, coords []value) ([]int, error) {
	b, ok := m.buffers[name]
	if !ok {
		return nil, errors.Wrapf(ErrExecution, "buffer %s is not live", name)
	}
	ext := b.Extents()
	p := make([]int, len(coords))
	for i, cv := range coords {
		n, err := cv(m)
		if err != nil {
			return nil, err
		}
		if n < 0 || n >= int64(ext[i]) {
			return nil, errors.Wrapf(ErrExecution,
				"%s coordinate %d = %d outside extent %d", name, i, n, ext[i])
		}
		p[i] = int(n)
	}
	return p, nil
}

func (c *compiler) value(e ast.Expr) (value, error) {
	switch n := e.(type) {
	case ast.Const:
		v := n.Value
		return func(*machine) (int64, error) { return v, nil }, nil
	case ast.Var:
		if !c.vars[n] {
			return nil, errors.Wrapf(ErrCodegen, "unbound variable %s", n)
		}
		return func(m *machine) (int64, error) { return m.env[n], nil }, nil
	case ast.Param:
		if !c.params[n.Name] {
			return nil, errors.Wrapf(ErrCodegen, "undeclared parameter %s", n.Name)
		}
		name := n.Name
		return func(m *machine) (int64, error) { return m.params[name], nil }, nil
	case ast.Access:
		if _, ok := c.bufs[n.Source]; !ok {
			return nil, errors.Wrapf(ErrCodegen, "access to unknown buffer %s", n.Source)
		}
		if len(n.Index) != c.bufs[n.Source] {
			return nil, errors.Wrapf(ErrCodegen, "access %s has %d indices, want %d", n.Source, len(n.Index), c.bufs[n.Source])
		}
		coords := make([]value, len(n.Index))
		for i, ix := range n.Index {
			v, err := c.value(ix)
			if err != nil {
				return nil, err
			}
			coords[i] = v
		}
		name := n.Source
		return func(m *machine) (int64, error) {
			p, err := evalPoint(m, name, coords)
			if err != nil {
				return 0, err
			}
			return int64(m.buffers[name].At(p...)), nil
		}, nil
	case ast.Bin:
		l, err := c.value(n.L)
		if err != nil {
			return nil, err
		}
		r, err := c.value(n.R)
		if err != nil {
			return nil, err
		}
		return binValue(n.Op, l, r)
	}
	return nil, errors.Wrapf(ErrCodegen, "unknown expression %T", e)
}

func binValue(op ast.BinOp, l, r value) (value, error) {
	switch op {
	case ast.OpAdd:
		return func(m *machine) (int64, error) {
			a, err := l(m)
			if err != nil {
				return 0, err
			}
			b, err := r(m)
			return a + b, err
		}, nil
	case ast.OpSub:
		return func(m *machine) (int64, error) {
			a, err := l(m)
			if err != nil {
				return 0, err
			}
			b, err := r(m)
			return a - b, err
		}, nil
	case ast.OpMul:
		return func(m *machine) (int64, error) {
			a, err := l(m)
			if err != nil {
				return 0, err
			}
			b, err := r(m)
			return a * b, err
		}, nil
	case ast.OpDiv:
		return func(m *machine) (int64, error) {
			a, err := l(m)
			if err != nil {
				return 0, err
			}
			b, err := r(m)
			if err != nil {
				return 0, err
			}
			if b == 0 {
				return 0, errors.Wrap(ErrExecution, "division by zero")
			}
			return a / b, nil
		}, nil
	case ast.OpMin:
		return func(m *machine) (int64, error) {
			a, err := l(m)
			if err != nil {
				return 0, err
			}
			b, err := r(m)
			if err != nil {
				return 0, err
			}
			if a < b {
				return a, nil
			}
			return b, nil
		}, nil
	case ast.OpMax:
		return func(m *machine) (int64, error) {
			a, err := l(m)
			if err != nil {
				return 0, err
			}
			b, err := r(m)
			if err != nil {
				return 0, err
			}
			if a > b {
				return a, nil
			}
			return b, nil
		}, nil
	}
	return nil, errors.Wrapf(ErrCodegen, "unknown operator %d", op)
}
