package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/theotherphil/prism/internal/buffer"
)

// readPGM loads a binary (P5) or ascii (P2) PGM image into a 2d buffer.
func readPGM(path string) (*buffer.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic string
	if _, err := fmt.Fscan(r, &magic); err != nil {
		return nil, errors.Wrapf(err, "%s: header", path)
	}
	if magic != "P5" && magic != "P2" {
		return nil, errors.Errorf("%s: not a PGM file (magic %q)", path, magic)
	}
	var w, h, maxval int
	if _, err := fmt.Fscan(r, &w, &h, &maxval); err != nil {
		return nil, errors.Wrapf(err, "%s: dimensions", path)
	}
	if w < 1 || h < 1 || maxval < 1 || maxval > 255 {
		return nil, errors.Errorf("%s: unsupported PGM geometry %dx%d maxval %d", path, w, h, maxval)
	}

	b := buffer.New(w, h)
	if magic == "P2" {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var v int
				if _, err := fmt.Fscan(r, &v); err != nil {
					return nil, errors.Wrapf(err, "%s: pixel (%d, %d)", path, x, y)
				}
				b.Set(int32(v), x, y)
			}
		}
		return b, nil
	}

	// One whitespace byte separates the header from P5 pixel data.
	if _, err := r.ReadByte(); err != nil {
		return nil, errors.Wrapf(err, "%s: pixel data", path)
	}
	row := make([]byte, w)
	for y := 0; y < h; y++ {
		if _, err := io.ReadFull(r, row); err != nil {
			return nil, errors.Wrapf(err, "%s: row %d", path, y)
		}
		for x, v := range row {
			b.Set(int32(v), x, y)
		}
	}
	return b, nil
}

// writePGM stores a 2d buffer as a binary PGM, clamping samples to
// [0, 255].
func writePGM(path string, b *buffer.Buffer) error {
	ext := b.Extents()
	if len(ext) != 2 {
		return errors.Errorf("%s: can only write 2d buffers, got rank %d", path, len(ext))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	fmt.Fprintf(w, "P5\n%d %d\n255\n", ext[0], ext[1])
	for _, v := range b.Data() {
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		if err := w.WriteByte(byte(v)); err != nil {
			return err
		}
	}
	return w.Flush()
}
