package changeset

import (
	"sort"

	"github.com/devrev/livestore/internal/value"
)

// SetChange describes how an unordered set changed.
type SetChange struct {
	Insertions []value.Value
	Deletions  []value.Value
	// Changes holds retained elements whose content changed (linked objects).
	Changes []value.Value
}

func (c SetChange) Empty() bool {
	return len(c.Insertions) == 0 && len(c.Deletions) == 0 && len(c.Changes) == 0
}

// DiffSet compares two sets by element identity. modified, when not nil, is
// asked about every retained element.
func DiffSet(before, after []value.Value, modified func(value.Value) bool) SetChange {
	old := make(map[string]struct{}, len(before))
	for _, v := range before {
		old[value.Fingerprint(v)] = struct{}{}
	}
	var out SetChange
	kept := make(map[string]struct{}, len(after))
	for _, v := range after {
		fp := value.Fingerprint(v)
		kept[fp] = struct{}{}
		if _, ok := old[fp]; !ok {
			out.Insertions = append(out.Insertions, v)
			continue
		}
		if modified != nil && modified(v) {
			out.Changes = append(out.Changes, v)
		}
	}
	for _, v := range before {
		if _, ok := kept[value.Fingerprint(v)]; !ok {
			out.Deletions = append(out.Deletions, v)
		}
	}
	return out
}

// DictionaryChange lists the keys that were added, removed or changed.
type DictionaryChange struct {
	Insertions []string
	Deletions  []string
	Changes    []string
}

func (c DictionaryChange) Empty() bool {
	return len(c.Insertions) == 0 && len(c.Deletions) == 0 && len(c.Changes) == 0
}

// DiffDictionary compares two dictionaries key by key. Values compare with
// deep equality; modified, when not nil, is asked about keys whose values are
// equal (for example to detect changes inside linked objects).
func DiffDictionary(before, after map[string]value.Value, modified func(key string) bool) DictionaryChange {
	var out DictionaryChange
	for k, av := range after {
		bv, ok := before[k]
		switch {
		case !ok:
			out.Insertions = append(out.Insertions, k)
		case !value.Equal(bv, av):
			out.Changes = append(out.Changes, k)
		case modified != nil && modified(k):
			out.Changes = append(out.Changes, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out.Deletions = append(out.Deletions, k)
		}
	}
	sort.Strings(out.Insertions)
	sort.Strings(out.Deletions)
	sort.Strings(out.Changes)
	return out
}
