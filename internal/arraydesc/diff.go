// Package arraydesc implements representing a JSON array's element
// order as a content-addressed descriptor object, and the patch format
// that lets a later revision store only the delta from its parent's
// order instead of the full order again.
//
// The edit script between two orders is computed with a straightforward
// dynamic-programming LCS rather than a linear-space Myers diff; the
// resulting patch wire format (an "i"/"d" op list, documented in
// DESIGN.md) is what matters for interoperability, not the algorithm
// that produces it.
package arraydesc

import (
	"encoding/json"

	"deltacrdt/internal/common"
	"deltacrdt/internal/ojson"
)

// Diff computes the patch that transforms old into new: a sequence of
// ["d", count, index] and ["i", index, items] operations applied left
// to right against a mutable copy of old.
func Diff(old, new []any) []any {
	ops := lcsOps(old, new)

	var patch []any
	cursor := 0
	for _, op := range ops {
		switch op.kind {
		case opEqual:
			cursor += op.count
		case opDelete:
			patch = append(patch, []any{common.PatchOpDelete, op.count, cursor})
		case opInsert:
			patch = append(patch, []any{common.PatchOpInsert, cursor, op.items})
			cursor += len(op.items)
		}
	}
	return patch
}

// Apply mutates old in place per patch, in the format Diff produces.
func Apply(old []any, patch []any) ([]any, error) {
	out := old
	for _, rawOp := range patch {
		op, ok := rawOp.([]any)
		if !ok || len(op) != 3 {
			return nil, common.NewError(common.ErrMalformedInput, "invalid_patch_op")
		}
		code, ok := op[0].(string)
		if !ok {
			return nil, common.NewError(common.ErrMalformedInput, "invalid_patch_op_not_a_string")
		}
		switch code {
		case common.PatchOpDelete:
			count, ok := asInt(op[1])
			index, ok2 := asInt(op[2])
			if !ok || !ok2 {
				return nil, common.NewError(common.ErrMalformedInput, "invalid_patch_delete_args")
			}
			if index < 0 || count < 0 || index+count > len(out) {
				return nil, common.NewError(common.ErrMalformedInput, "patch_delete_out_of_range")
			}
			out = append(out[:index], out[index+count:]...)
		case common.PatchOpInsert:
			index, ok := asInt(op[1])
			items, ok2 := op[2].([]any)
			if !ok || !ok2 {
				return nil, common.NewError(common.ErrMalformedInput, "invalid_patch_insert_args")
			}
			if index < 0 || index > len(out) {
				return nil, common.NewError(common.ErrMalformedInput, "patch_insert_out_of_range")
			}
			grown := make([]any, 0, len(out)+len(items))
			grown = append(grown, out[:index]...)
			grown = append(grown, items...)
			grown = append(grown, out[index:]...)
			out = grown
		default:
			return nil, common.NewError(common.ErrMalformedInput, "invalid_patch_op")
		}
	}
	return out, nil
}

type opKind int

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

type editOp struct {
	kind  opKind
	count int   // for opEqual, opDelete
	items []any // for opInsert
}

// lcsOps computes the longest common subsequence of old and new by
// content equality, then walks both sequences emitting equal/delete/
// insert runs between matches.
func lcsOps(old, new []any) []editOp {
	n, m := len(old), len(new)
	// dp[i][j] = length of LCS of old[i:], new[j:]
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if equalValue(old[i], new[j]) {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var ops []editOp
	i, j := 0, 0
	flushDelete, flushInsert := 0, 0
	var insertItems []any

	flush := func() {
		if flushDelete > 0 {
			ops = append(ops, editOp{kind: opDelete, count: flushDelete})
			flushDelete = 0
		}
		if len(insertItems) > 0 {
			ops = append(ops, editOp{kind: opInsert, items: insertItems})
			insertItems = nil
		}
	}

	for i < n && j < m {
		if equalValue(old[i], new[j]) {
			flush()
			ops = append(ops, editOp{kind: opEqual, count: 1})
			i++
			j++
			continue
		}
		if dp[i+1][j] >= dp[i][j+1] {
			flushDelete++
			i++
		} else {
			insertItems = append(insertItems, new[j])
			j++
		}
	}
	for i < n {
		flushDelete++
		i++
	}
	for j < m {
		insertItems = append(insertItems, new[j])
		j++
	}
	flush()

	return mergeEqualRuns(ops)
}

// mergeEqualRuns coalesces adjacent opEqual entries so cursor math in
// Diff advances in single steps per run instead of per element.
func mergeEqualRuns(ops []editOp) []editOp {
	var out []editOp
	for _, op := range ops {
		if op.kind == opEqual && len(out) > 0 && out[len(out)-1].kind == opEqual {
			out[len(out)-1].count += op.count
			continue
		}
		out = append(out, op)
	}
	return out
}

// equalValue compares two decoded JSON values (string, bool, nil,
// json.Number, []any, *ojson.Map) by content rather than identity,
// since array-descriptor orders are commonly digest or identifier
// strings but may in principle hold arbitrary values.
func equalValue(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, err1 := ojson.Marshal(a)
	bb, err2 := ojson.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
