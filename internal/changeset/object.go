package changeset

import (
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/value"
)

// BacklinkFunc returns the objects linking to target through b at the
// reader's version, one entry per link.
type BacklinkFunc func(r mvcc.Reader, target mvcc.Key, b *schema.Backlink) ([]mvcc.Key, error)

// ObjectChange describes how one object changed between two versions.
type ObjectChange struct {
	// Deleted is set when the object no longer exists after the change.
	Deleted bool
	// Fields lists the changed top-level properties in schema order.
	Fields []string
}

// Differ compares entities between two readers. A Differ memoizes object
// comparisons and must not be shared between goroutines.
type Differ struct {
	Schema    *schema.Schema
	Before    mvcc.Reader
	After     mvcc.Reader
	Backlinks BacklinkFunc
	LCSLimit  int

	memo map[memoKey]bool
}

type memoKey struct {
	key    mvcc.Key
	filter string
}

// NewDiffer creates a differ between two versions.
func NewDiffer(s *schema.Schema, before, after mvcc.Reader, backlinks BacklinkFunc) *Differ {
	return &Differ{Schema: s, Before: before, After: after, Backlinks: backlinks}
}

// Object reports the fields of key that changed under filter.
func (d *Differ) Object(key mvcc.Key, filter *Filter) (ObjectChange, error) {
	class, err := d.Schema.Lookup(key.Class)
	if err != nil {
		return ObjectChange{}, err
	}
	brec, bfound, err := d.Before.Get(key)
	if err != nil {
		return ObjectChange{}, err
	}
	arec, afound, err := d.After.Get(key)
	if err != nil {
		return ObjectChange{}, err
	}
	if !afound {
		return ObjectChange{Deleted: true}, nil
	}
	if !bfound {
		return ObjectChange{Fields: class.FieldNames()}, nil
	}
	fields, err := d.fields(class, key, brec, arec, filter, false)
	if err != nil {
		return ObjectChange{}, err
	}
	return ObjectChange{Fields: fields}, nil
}

// ObjectChanged reports whether anything under filter changed in the object,
// following links as deep as the filter allows.
func (d *Differ) ObjectChanged(key mvcc.Key, filter *Filter) (bool, error) {
	if filter == nil {
		return false, nil
	}
	if d.memo == nil {
		d.memo = make(map[memoKey]bool)
	}
	mk := memoKey{key: key, filter: filter.String()}
	if changed, ok := d.memo[mk]; ok {
		return changed, nil
	}
	// Cycles resolve to unchanged at the edge that closes them.
	d.memo[mk] = false

	class, err := d.Schema.Lookup(key.Class)
	if err != nil {
		return false, err
	}
	brec, bfound, err := d.Before.Get(key)
	if err != nil {
		return false, err
	}
	arec, afound, err := d.After.Get(key)
	if err != nil {
		return false, err
	}
	var changed bool
	switch {
	case bfound != afound:
		changed = true
	case afound:
		fields, err := d.fields(class, key, brec, arec, filter, true)
		if err != nil {
			return false, err
		}
		changed = len(fields) > 0
	}
	d.memo[mk] = changed
	return changed, nil
}

func (d *Differ) fields(class *schema.Class, key mvcc.Key, brec, arec *mvcc.Record, filter *Filter, first bool) ([]string, error) {
	var out []string
	for i := range class.Properties {
		p := &class.Properties[i]
		if !filter.Covers(p.Name) {
			continue
		}
		bv, _ := brec.Get(p.Name)
		av, _ := arec.Get(p.Name)
		changed := brec != arec && !value.Equal(bv, av)
		if !changed && (p.Type == schema.TypeObject || p.Type == schema.TypeAny) {
			if sub := filter.Descend(p.Name); sub != nil {
				var err error
				changed, err = d.linksChanged(av, sub)
				if err != nil {
					return nil, err
				}
			}
		}
		if changed {
			out = append(out, p.Name)
			if first {
				return out, nil
			}
		}
	}
	if d.Backlinks == nil {
		return out, nil
	}
	for i := range class.Backlinks {
		b := &class.Backlinks[i]
		if !filter.Names(b.Name) {
			continue
		}
		before, err := d.Backlinks(d.Before, key, b)
		if err != nil {
			return nil, err
		}
		after, err := d.Backlinks(d.After, key, b)
		if err != nil {
			return nil, err
		}
		changed := !sameKeys(before, after)
		if !changed {
			if sub := filter.descendNamed(b.Name); sub != nil {
				for _, src := range after {
					if changed, err = d.ObjectChanged(src, sub); err != nil {
						return nil, err
					}
					if changed {
						break
					}
				}
			}
		}
		if changed {
			out = append(out, b.Name)
			if first {
				return out, nil
			}
		}
	}
	return out, nil
}

// linksChanged reports whether any object referenced from v changed under filter.
func (d *Differ) linksChanged(v value.Value, filter *Filter) (bool, error) {
	var links []value.Link
	value.Walk(v, func(e value.Value) {
		if l, err := e.AsLink(); err == nil {
			links = append(links, l)
		}
	})
	for _, l := range links {
		changed, err := d.ObjectChanged(mvcc.Key{Class: l.Class, ObjKey: l.Key}, filter)
		if err != nil || changed {
			return changed, err
		}
	}
	return false, nil
}

// ValueModified reports whether two matched collection elements differ in
// content: a stored container whose elements changed, or a linked object
// changed under filter.
func (d *Differ) ValueModified(before, after value.Value, filter *Filter) (bool, error) {
	if before.Container() != nil && !value.Equal(before, after) {
		return true, nil
	}
	if filter == nil {
		return false, nil
	}
	return d.linksChanged(after, filter)
}

// List diffs two element lists; elements follow filter for modifications.
func (d *Differ) List(before, after []value.Value, filter *Filter) (ListChange, error) {
	var firstErr error
	change := DiffList(before, after, func(i, j int) bool {
		if firstErr != nil {
			return false
		}
		modified, err := d.ValueModified(before[i], after[j], filter)
		if err != nil {
			firstErr = err
		}
		return modified
	}, d.LCSLimit)
	return change, firstErr
}

// Results diffs two ordered query results.
func (d *Differ) Results(before, after []mvcc.Key, filter *Filter) (ListChange, error) {
	return d.List(keysToValues(before), keysToValues(after), filter)
}

// Set diffs two sets; linked elements follow filter for modifications.
func (d *Differ) Set(before, after []value.Value, filter *Filter) (SetChange, error) {
	var firstErr error
	change := DiffSet(before, after, func(v value.Value) bool {
		if firstErr != nil || filter == nil {
			return false
		}
		modified, err := d.linksChanged(v, filter)
		if err != nil {
			firstErr = err
		}
		return modified
	})
	return change, firstErr
}

// Dictionary diffs two dictionaries; linked values follow filter.
func (d *Differ) Dictionary(before, after map[string]value.Value, filter *Filter) (DictionaryChange, error) {
	var firstErr error
	change := DiffDictionary(before, after, func(k string) bool {
		if firstErr != nil {
			return false
		}
		modified, err := d.ValueModified(before[k], after[k], filter)
		if err != nil {
			firstErr = err
		}
		return modified
	})
	return change, firstErr
}

func keysToValues(keys []mvcc.Key) []value.Value {
	out := make([]value.Value, len(keys))
	for i, k := range keys {
		out[i] = value.Object(k.Class, k.ObjKey)
	}
	return out
}

func sameKeys(a, b []mvcc.Key) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[mvcc.Key]int, len(a))
	for _, k := range a {
		counts[k]++
	}
	for _, k := range b {
		counts[k]--
		if counts[k] < 0 {
			return false
		}
	}
	return true
}
