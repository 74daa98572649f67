package arraydesc

// MergeArrays merges m's order into n's and returns the result: n keeps
// every element already present, and elements from m absent from n are
// spliced in near the position they occupy relative to n's existing
// elements. This is a pivot-tracking merge rather than a generic diff3,
// chosen because array descriptors need a result that preserves n's
// order as the stable reference.
func MergeArrays(m []any, n []any) []any {
	if len(n) == 0 {
		out := make([]any, len(m))
		copy(out, m)
		return out
	}
	if len(m) == 0 {
		return n
	}

	// Find the pivot: the first element of m that also appears in n.
	insPosInN := 0
	pivotPosInM := 0
	for _, t := range m {
		if idx := indexOf(n, t); idx >= 0 {
			insPosInN = idx
			break
		}
		pivotPosInM++
	}

	for currentPosInM, t := range m {
		if idx := indexOf(n, t); idx >= 0 {
			insPosInN = idx
			continue
		}
		if currentPosInM < pivotPosInM {
			n = insertAt(n, insPosInN, t)
			pivotPosInM = currentPosInM
		} else {
			insPosInN++
			n = insertAt(n, insPosInN, t)
		}
	}
	return n
}

func indexOf(s []any, v any) int {
	for i, e := range s {
		if equalValue(e, v) {
			return i
		}
	}
	return -1
}

func insertAt(s []any, index int, v any) []any {
	out := make([]any, 0, len(s)+1)
	out = append(out, s[:index]...)
	out = append(out, v)
	out = append(out, s[index:]...)
	return out
}
