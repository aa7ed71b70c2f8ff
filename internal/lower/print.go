package lower

import (
	"fmt"
	"strings"
)

// String renders the program as an indented loop nest, one statement
// per line. The format is for inspection and golden tests only.
func (p *Program) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "program %s\n", p.Name)
	for _, d := range p.Inputs {
		fmt.Fprintf(&b, "input %s%s\n", d.Name, extents(d.Extents))
	}
	for _, d := range p.Outputs {
		fmt.Fprintf(&b, "output %s%s\n", d.Name, extents(d.Extents))
	}
	for _, name := range p.Params {
		fmt.Fprintf(&b, "param %s\n", name)
	}
	writeNodes(&b, p.Nodes, 0)
	return b.String()
}

func extents(ext []int64) string {
	parts := make([]string, len(ext))
	for i, e := range ext {
		parts[i] = fmt.Sprintf("%d", e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func writeNodes(b *strings.Builder, nodes []Node, depth int) {
	ind := strings.Repeat("  ", depth)
	for _, n := range nodes {
		switch s := n.(type) {
		case *Allocate:
			fmt.Fprintf(b, "%salloc %s[%s] {\n", ind, s.Func, s.Region)
			writeNodes(b, s.Body, depth+1)
			fmt.Fprintf(b, "%s}\n", ind)
		case *Loop:
			fmt.Fprintf(b, "%sloop %s from %s extent %s {\n", ind, s.Var, s.Min, s.Extent)
			writeNodes(b, s.Body, depth+1)
			fmt.Fprintf(b, "%s}\n", ind)
		case *Compute:
			coords := make([]string, len(s.Coords))
			for i, c := range s.Coords {
				coords[i] = c.String()
			}
			fmt.Fprintf(b, "%scompute %s[%s] = %s\n",
				ind, s.Func, strings.Join(coords, ", "), s.Value)
		}
	}
}
