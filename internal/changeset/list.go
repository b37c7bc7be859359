// Package changeset computes structured differences between two versions of
// an object, a collection or a query result.
package changeset

import (
	"sort"

	"github.com/devrev/livestore/internal/value"
)

// DefaultLCSLimit bounds n*m for the longest-common-subsequence pass over the
// changed middle of a list. Larger middles fall back to reporting every
// element deleted and re-inserted.
const DefaultLCSLimit = 1 << 20

// Move records an element that changed position without changing identity.
type Move struct {
	From int // index in the old list
	To   int // index in the new list
}

// ListChange describes how an ordered collection changed. Deletions use old
// indices; Insertions, Changes and Move.To use new indices.
type ListChange struct {
	Deletions  []int
	Insertions []int
	Changes    []int
	Moves      []Move
}

// Empty reports whether nothing changed.
func (c ListChange) Empty() bool {
	return len(c.Deletions) == 0 && len(c.Insertions) == 0 && len(c.Changes) == 0 && len(c.Moves) == 0
}

// ModifiedFunc reports whether the element matched at oldIdx/newIdx changed
// content. A nil ModifiedFunc treats matched elements as unchanged.
type ModifiedFunc func(oldIdx, newIdx int) bool

// DiffList compares two lists:
//
//  1. the common prefix and suffix are matched position by position;
//  2. if the remaining middles are permutations of each other, every
//     displaced element is reported as a move;
//  3. otherwise the middles are aligned by LCS when n*m <= limit;
//  4. otherwise every middle element is reported deleted and re-inserted.
//
// Elements are matched by value.Fingerprint: primitives by value, links by
// target and stored containers by instance.
func DiffList(before, after []value.Value, modified ModifiedFunc, limit int) ListChange {
	if limit <= 0 {
		limit = DefaultLCSLimit
	}
	a := fingerprints(before)
	b := fingerprints(after)

	var out ListChange
	match := func(i, j int) {
		if modified != nil && modified(i, j) {
			out.Changes = append(out.Changes, j)
		}
	}

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		match(prefix, prefix)
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		match(len(a)-1-suffix, len(b)-1-suffix)
		suffix++
	}

	midA := a[prefix : len(a)-suffix]
	midB := b[prefix : len(b)-suffix]

	switch {
	case len(midA) == 0 && len(midB) == 0:
	case isPermutation(midA, midB):
		diffMoves(midA, midB, prefix, &out, match)
	case len(midA)*len(midB) <= limit:
		diffLCS(midA, midB, prefix, &out, match)
	default:
		for i := range midA {
			out.Deletions = append(out.Deletions, prefix+i)
		}
		for j := range midB {
			out.Insertions = append(out.Insertions, prefix+j)
		}
	}

	sort.Ints(out.Deletions)
	sort.Ints(out.Insertions)
	sort.Ints(out.Changes)
	return out
}

func fingerprints(vs []value.Value) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = value.Fingerprint(v)
	}
	return out
}

func isPermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, fp := range a {
		counts[fp]++
	}
	for _, fp := range b {
		counts[fp]--
		if counts[fp] < 0 {
			return false
		}
	}
	return true
}

// diffMoves pairs equal elements in order of appearance; pairs whose
// positions differ are moves.
func diffMoves(a, b []string, offset int, out *ListChange, match func(i, j int)) {
	positions := make(map[string][]int, len(a))
	for i, fp := range a {
		positions[fp] = append(positions[fp], i)
	}
	for j, fp := range b {
		i := positions[fp][0]
		positions[fp] = positions[fp][1:]
		match(offset+i, offset+j)
		if i != j {
			out.Moves = append(out.Moves, Move{From: offset + i, To: offset + j})
		}
	}
}

func diffLCS(a, b []string, offset int, out *ListChange, match func(i, j int)) {
	n, m := len(a), len(b)
	// lengths[i][j] is the LCS length of a[i:] and b[j:].
	lengths := make([][]int32, n+1)
	for i := range lengths {
		lengths[i] = make([]int32, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			switch {
			case a[i] == b[j]:
				lengths[i][j] = lengths[i+1][j+1] + 1
			case lengths[i+1][j] >= lengths[i][j+1]:
				lengths[i][j] = lengths[i+1][j]
			default:
				lengths[i][j] = lengths[i][j+1]
			}
		}
	}

	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			match(offset+i, offset+j)
			i++
			j++
		case lengths[i+1][j] >= lengths[i][j+1]:
			out.Deletions = append(out.Deletions, offset+i)
			i++
		default:
			out.Insertions = append(out.Insertions, offset+j)
			j++
		}
	}
	for ; i < n; i++ {
		out.Deletions = append(out.Deletions, offset+i)
	}
	for ; j < m; j++ {
		out.Insertions = append(out.Insertions, offset+j)
	}
}
