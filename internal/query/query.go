// Package query compiles predicate strings into filters and descriptors that
// run against one version of the store.
//
// A predicate is a boolean expression over key paths of a class, optionally
// followed by SORT, DISTINCT and LIMIT descriptors:
//
//	age >= $0 AND name BEGINSWITH[c] 'a' SORT(age DESC, name ASC) LIMIT(10)
//
// Filters and descriptors apply in the order they were written or chained, so
// LIMIT(3) followed by a filter filters the first three objects while a filter
// followed by LIMIT(3) keeps the first three matches.
package query

import (
	"fmt"
	"strings"

	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/value"
)

// Query is an immutable compiled query. Chaining returns a new Query.
type Query struct {
	schema *schema.Schema
	class  *schema.Class
	ops    []op
}

// SortKey orders results by a single-valued key path.
type SortKey struct {
	Path      string
	Ascending bool
}

// All returns the query matching every object of class.
func All(s *schema.Schema, class string) (*Query, error) {
	c, err := s.Lookup(class)
	if err != nil {
		return nil, err
	}
	return &Query{schema: s, class: c}, nil
}

// Compile parses predicate for class. An empty predicate matches everything.
func Compile(s *schema.Schema, class, predicate string, args ...value.Value) (*Query, error) {
	q, err := All(s, class)
	if err != nil {
		return nil, err
	}
	return q.Filter(predicate, args...)
}

func (q *Query) Class() *schema.Class { return q.class }

// Filter appends predicate, which may carry its own descriptors.
func (q *Query) Filter(predicate string, args ...value.Value) (*Query, error) {
	tokens, err := lex(predicate)
	if err != nil {
		return nil, err
	}
	p := &parser{input: predicate, tokens: tokens, schema: q.schema, class: q.class, args: args}
	ops, err := p.parse()
	if err != nil {
		return nil, err
	}
	return q.with(ops...), nil
}

func (q *Query) Sort(keys ...SortKey) (*Query, error) {
	if len(keys) == 0 {
		return q, nil
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "ASC"
		if !k.Ascending {
			dir = "DESC"
		}
		parts[i] = k.Path + " " + dir
	}
	return q.Filter("SORT(" + strings.Join(parts, ", ") + ")")
}

func (q *Query) Distinct(paths ...string) (*Query, error) {
	if len(paths) == 0 {
		return q, nil
	}
	return q.Filter("DISTINCT(" + strings.Join(paths, ", ") + ")")
}

func (q *Query) Limit(n int) (*Query, error) {
	return q.Filter(fmt.Sprintf("LIMIT(%d)", n))
}

func (q *Query) with(ops ...op) *Query {
	out := &Query{schema: q.schema, class: q.class, ops: make([]op, 0, len(q.ops)+len(ops))}
	out.ops = append(out.ops, q.ops...)
	out.ops = append(out.ops, ops...)
	return out
}

// HasDescriptors reports whether the query sorts, deduplicates or limits.
func (q *Query) HasDescriptors() bool {
	for _, o := range q.ops {
		if _, ok := o.(*filterOp); !ok {
			return true
		}
	}
	return false
}

// String renders the query in predicate syntax.
func (q *Query) String() string {
	var b strings.Builder
	filtered := false
	for _, o := range q.ops {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		if f, ok := o.(*filterOp); ok {
			if filtered || b.Len() > 0 {
				fmt.Fprintf(&b, "&& (%s)", f.text)
			} else {
				b.WriteString(f.text)
			}
			filtered = true
			continue
		}
		if !filtered && b.Len() == 0 {
			b.WriteString("TRUEPREDICATE ")
			filtered = true
		}
		b.WriteString(o.String())
	}
	if b.Len() == 0 {
		return "TRUEPREDICATE"
	}
	return b.String()
}

// Evaluate runs the query over every object of the class visible to r.
func (q *Query) Evaluate(r mvcc.Reader, backlinks BacklinkFunc) ([]mvcc.Key, error) {
	var recs []*mvcc.Record
	err := r.Scan(q.class.Name, func(rec *mvcc.Record) bool {
		recs = append(recs, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	return q.run(r, backlinks, recs)
}

// EvaluateKeys runs the query over base, keeping its order. Keys of objects
// missing from r are dropped.
func (q *Query) EvaluateKeys(r mvcc.Reader, backlinks BacklinkFunc, base []mvcc.Key) ([]mvcc.Key, error) {
	recs := make([]*mvcc.Record, 0, len(base))
	for _, k := range base {
		rec, found, err := r.Get(k)
		if err != nil {
			return nil, err
		}
		if found {
			recs = append(recs, rec)
		}
	}
	return q.run(r, backlinks, recs)
}

// Matches reports whether the filters of q accept the object. Descriptors
// are ignored.
func (q *Query) Matches(r mvcc.Reader, backlinks BacklinkFunc, rec *mvcc.Record) (bool, error) {
	e := &evaluator{r: r, backlinks: backlinks}
	for _, o := range q.ops {
		f, ok := o.(*filterOp)
		if !ok {
			continue
		}
		match, err := f.root.eval(e, rec)
		if err != nil || !match {
			return false, err
		}
	}
	return true, nil
}

func (q *Query) run(r mvcc.Reader, backlinks BacklinkFunc, recs []*mvcc.Record) ([]mvcc.Key, error) {
	e := &evaluator{r: r, backlinks: backlinks}
	var err error
	for _, o := range q.ops {
		if recs, err = o.apply(e, recs); err != nil {
			return nil, err
		}
	}
	keys := make([]mvcc.Key, len(recs))
	for i, rec := range recs {
		keys[i] = rec.Key
	}
	return keys, nil
}
