package ast

// Affine decomposes e as sum(coeff[v]*v) + offset over dimension
// variables. ok is false for expressions outside the affine fragment
// (min/max, non-constant multiplication or division, accesses, params).
func Affine(e Expr) (coeffs map[Var]int64, offset int64, ok bool) {
	switch n := e.(type) {
	case Const:
		return map[Var]int64{}, n.Value, true
	case Var:
		return map[Var]int64{n: 1}, 0, true
	case Bin:
		switch n.Op {
		case OpAdd, OpSub:
			lc, lo, lok := Affine(n.L)
			rc, ro, rok := Affine(n.R)
			if !lok || !rok {
				return nil, 0, false
			}
			sign := int64(1)
			if n.Op == OpSub {
				sign = -1
			}
			for v, c := range rc {
				lc[v] += sign * c
			}
			return lc, lo + sign*ro, true
		case OpMul:
			lc, lo, lok := Affine(n.L)
			rc, ro, rok := Affine(n.R)
			if lok && rok {
				if len(nonZero(lc)) == 0 {
					return scale(rc, lo), lo * ro, true
				}
				if len(nonZero(rc)) == 0 {
					return scale(lc, ro), lo * ro, true
				}
			}
		}
	}
	return nil, 0, false
}

func nonZero(coeffs map[Var]int64) map[Var]int64 {
	out := map[Var]int64{}
	for v, c := range coeffs {
		if c != 0 {
			out[v] = c
		}
	}
	return out
}

func scale(coeffs map[Var]int64, k int64) map[Var]int64 {
	out := make(map[Var]int64, len(coeffs))
	for v, c := range coeffs {
		out[v] = c * k
	}
	return out
}

// constDiff reports d = l - r when the difference is variable-free.
func constDiff(l, r Expr) (int64, bool) {
	lc, lo, lok := Affine(l)
	rc, ro, rok := Affine(r)
	if !lok || !rok {
		return 0, false
	}
	for v, c := range rc {
		lc[v] -= c
	}
	if len(nonZero(lc)) != 0 {
		return 0, false
	}
	return lo - ro, true
}
