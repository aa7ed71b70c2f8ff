package buffer

// ActionKind tags one recorded buffer access.
type ActionKind int

const (
	Read ActionKind = iota
	Write
	Cleared
)

func (k ActionKind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Cleared:
		return "clear"
	}
	return "?"
}

// Action is one recorded access: which buffer, where, and the value
// read or written. Clear actions carry no point or value.
type Action struct {
	Kind   ActionKind
	Buffer string
	Point  []int
	Value  int32
}

// Trace accumulates the access sequence of an execution across every
// wrapped buffer, in program order.
type Trace struct {
	actions []Action
}

// Wrap returns a store that forwards to inner and records each access
// under the given name.
func (tr *Trace) Wrap(name string, inner Store) *TraceBuffer {
	return &TraceBuffer{name: name, trace: tr, inner: inner}
}

// Actions returns the recorded accesses in order.
func (tr *Trace) Actions() []Action {
	return append([]Action(nil), tr.actions...)
}

// TraceBuffer records every access before forwarding it.
type TraceBuffer struct {
	name  string
	trace *Trace
	inner Store
}

var _ Store = (*TraceBuffer)(nil)

func (t *TraceBuffer) Rank() int      { return t.inner.Rank() }
func (t *TraceBuffer) Extents() []int { return t.inner.Extents() }

func (t *TraceBuffer) At(p ...int) int32 {
	v := t.inner.At(p...)
	t.trace.actions = append(t.trace.actions, Action{
		Kind:   Read,
		Buffer: t.name,
		Point:  append([]int(nil), p...),
		Value:  v,
	})
	return v
}

func (t *TraceBuffer) Set(v int32, p ...int) {
	t.trace.actions = append(t.trace.actions, Action{
		Kind:   Write,
		Buffer: t.name,
		Point:  append([]int(nil), p...),
		Value:  v,
	})
	t.inner.Set(v, p...)
}

func (t *TraceBuffer) Clear() {
	t.trace.actions = append(t.trace.actions, Action{Kind: Cleared, Buffer: t.name})
	t.inner.Clear()
}
