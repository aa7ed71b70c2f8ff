// Package buffer provides the dense integer grids pipelines read and
// write: a plain row-major buffer and a wrapper that records every
// access for visualisation and testing.
package buffer

import "fmt"

// Store is the access surface the execution engine works against.
// Implementations are not safe for concurrent mutation.
type Store interface {
	Rank() int
	Extents() []int
	At(p ...int) int32
	Set(v int32, p ...int)
	Clear()
}

// Buffer is a dense row-major grid of int32 samples. The first
// dimension varies fastest, so a 2d buffer with extents (w, h) stores
// point (x, y) at y*w + x.
type Buffer struct {
	extents []int
	strides []int
	data    []int32
}

var _ Store = (*Buffer)(nil)

// New allocates a zeroed buffer with the given extents.
func New(extents ...int) *Buffer {
	n := 1
	strides := make([]int, len(extents))
	for i, e := range extents {
		if e < 1 {
			panic(fmt.Sprintf("buffer: extent %d is %d", i, e))
		}
		strides[i] = n
		n *= e
	}
	return &Buffer{
		extents: append([]int(nil), extents...),
		strides: strides,
		data:    make([]int32, n),
	}
}

// FromRows builds a 2d buffer from rows[y][x]. All rows must have the
// same width.
func FromRows(rows [][]int32) *Buffer {
	h := len(rows)
	if h == 0 {
		panic("buffer: no rows")
	}
	w := len(rows[0])
	b := New(w, h)
	for y, row := range rows {
		if len(row) != w {
			panic(fmt.Sprintf("buffer: row %d has width %d, want %d", y, len(row), w))
		}
		copy(b.data[y*w:(y+1)*w], row)
	}
	return b
}

func (b *Buffer) Rank() int      { return len(b.extents) }
func (b *Buffer) Extents() []int { return append([]int(nil), b.extents...) }

// Data exposes the backing slice, first dimension fastest.
func (b *Buffer) Data() []int32 { return b.data }

func (b *Buffer) At(p ...int) int32 {
	return b.data[b.offset(p)]
}

func (b *Buffer) Set(v int32, p ...int) {
	b.data[b.offset(p)] = v
}

// Clear zeroes every sample.
func (b *Buffer) Clear() {
	for i := range b.data {
		b.data[i] = 0
	}
}

func (b *Buffer) offset(p []int) int {
	if len(p) != len(b.extents) {
		panic(fmt.Sprintf("buffer: rank %d access on rank %d buffer", len(p), len(b.extents)))
	}
	off := 0
	for i, c := range p {
		if c < 0 || c >= b.extents[i] {
			panic(fmt.Sprintf("buffer: coordinate %d = %d outside extent %d", i, c, b.extents[i]))
		}
		off += c * b.strides[i]
	}
	return off
}

// Rows returns a 2d buffer's contents as rows[y][x], copied.
func (b *Buffer) Rows() [][]int32 {
	if len(b.extents) != 2 {
		panic(fmt.Sprintf("buffer: Rows on rank %d buffer", len(b.extents)))
	}
	w, h := b.extents[0], b.extents[1]
	rows := make([][]int32, h)
	for y := 0; y < h; y++ {
		rows[y] = append([]int32(nil), b.data[y*w:(y+1)*w]...)
	}
	return rows
}
