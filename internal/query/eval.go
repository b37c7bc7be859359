package query

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/value"
)

// BacklinkFunc lists the source objects whose link property references target.
type BacklinkFunc func(r mvcc.Reader, target mvcc.Key, b *schema.Backlink) ([]mvcc.Key, error)

type evaluator struct {
	r         mvcc.Reader
	backlinks BacklinkFunc
}

type node interface {
	eval(e *evaluator, rec *mvcc.Record) (bool, error)
	String() string
}

type constNode bool

func (n constNode) eval(*evaluator, *mvcc.Record) (bool, error) { return bool(n), nil }

func (n constNode) String() string {
	if n {
		return "TRUEPREDICATE"
	}
	return "FALSEPREDICATE"
}

type andNode struct{ l, r node }

func (n *andNode) eval(e *evaluator, rec *mvcc.Record) (bool, error) {
	ok, err := n.l.eval(e, rec)
	if err != nil || !ok {
		return false, err
	}
	return n.r.eval(e, rec)
}

func (n *andNode) String() string { return fmt.Sprintf("(%s AND %s)", n.l, n.r) }

type orNode struct{ l, r node }

func (n *orNode) eval(e *evaluator, rec *mvcc.Record) (bool, error) {
	ok, err := n.l.eval(e, rec)
	if err != nil || ok {
		return ok, err
	}
	return n.r.eval(e, rec)
}

func (n *orNode) String() string { return fmt.Sprintf("(%s OR %s)", n.l, n.r) }

type notNode struct{ inner node }

func (n *notNode) eval(e *evaluator, rec *mvcc.Record) (bool, error) {
	ok, err := n.inner.eval(e, rec)
	return !ok, err
}

func (n *notNode) String() string { return fmt.Sprintf("NOT %s", n.inner) }

// operand yields every value a side of a comparison takes for one object.
// Comparisons hold when any pair of values satisfies the operator.
type operand interface {
	values(e *evaluator, rec *mvcc.Record) ([]value.Value, error)
	String() string
}

type literal struct{ v value.Value }

func (l literal) values(*evaluator, *mvcc.Record) ([]value.Value, error) {
	return []value.Value{l.v}, nil
}

func (l literal) String() string { return l.v.String() }

type pathStep struct {
	name     string
	prop     *schema.Property
	backlink *schema.Backlink
}

func (s pathStep) collection() bool {
	return s.backlink != nil || s.prop.IsCollection()
}

type pathOperand struct {
	text      string
	links     []pathStep
	last      pathStep
	aggregate string
	toMany    bool
}

func (p *pathOperand) String() string { return p.text }

func (p *pathOperand) values(e *evaluator, rec *mvcc.Record) ([]value.Value, error) {
	// nil entries stand for a null link along the path.
	cur := []*mvcc.Record{rec}
	for _, step := range p.links {
		var next []*mvcc.Record
		for _, r := range cur {
			if r == nil {
				next = append(next, nil)
				continue
			}
			keys, err := e.follow(r, step)
			if err != nil {
				return nil, err
			}
			if len(keys) == 0 && !step.collection() {
				next = append(next, nil)
				continue
			}
			for _, k := range keys {
				target, found, err := e.r.Get(k)
				if err != nil {
					return nil, err
				}
				if found {
					next = append(next, target)
				}
			}
		}
		cur = next
	}

	var out []value.Value
	for _, r := range cur {
		if r == nil {
			if p.aggregate == "" {
				out = append(out, value.Null())
			}
			continue
		}
		vals, err := e.terminal(r, p.last)
		if err != nil {
			return nil, err
		}
		if p.aggregate == "" {
			out = append(out, vals...)
			continue
		}
		out = append(out, sizeOf(p.last, vals))
	}
	return out, nil
}

// single returns the first value of the path, or null.
func (p *pathOperand) single(e *evaluator, rec *mvcc.Record) (value.Value, error) {
	vals, err := p.values(e, rec)
	if err != nil || len(vals) == 0 {
		return value.Null(), err
	}
	return vals[0], nil
}

func sizeOf(step pathStep, vals []value.Value) value.Value {
	if step.collection() {
		return value.Int(int64(len(vals)))
	}
	if len(vals) == 0 {
		return value.Int(0)
	}
	switch v := vals[0]; v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		return value.Int(int64(utf8.RuneCountInString(s)))
	case value.KindBinary:
		b, _ := v.AsBinary()
		return value.Int(int64(len(b)))
	}
	return value.Int(0)
}

func (e *evaluator) follow(r *mvcc.Record, step pathStep) ([]mvcc.Key, error) {
	if step.backlink != nil {
		return e.findBacklinks(r.Key, step.backlink)
	}
	v, _ := r.Get(step.name)
	var keys []mvcc.Key
	value.Walk(v, func(x value.Value) {
		if l, err := x.AsLink(); err == nil {
			keys = append(keys, mvcc.Key{Class: l.Class, ObjKey: l.Key})
		}
	})
	return keys, nil
}

func (e *evaluator) findBacklinks(target mvcc.Key, b *schema.Backlink) ([]mvcc.Key, error) {
	if e.backlinks == nil {
		return nil, errors.InternalError(fmt.Sprintf("no backlink index to resolve '%s'", b.Name), nil)
	}
	return e.backlinks(e.r, target, b)
}

// terminal returns the values held by the last step of a path.
func (e *evaluator) terminal(r *mvcc.Record, step pathStep) ([]value.Value, error) {
	if step.backlink != nil {
		keys, err := e.findBacklinks(r.Key, step.backlink)
		if err != nil {
			return nil, err
		}
		out := make([]value.Value, len(keys))
		for i, k := range keys {
			out[i] = value.Object(k.Class, k.ObjKey)
		}
		return out, nil
	}
	v, ok := r.Get(step.name)
	if !ok {
		v = step.prop.DefaultValue()
	}
	if !step.prop.IsCollection() {
		return []value.Value{v}, nil
	}
	c := v.Container()
	if c == nil {
		return nil, nil
	}
	if c.IsList() {
		return c.Elements(), nil
	}
	out := make([]value.Value, 0, c.Len())
	for _, k := range c.Keys() {
		x, _ := c.Lookup(k)
		out = append(out, x)
	}
	return out, nil
}

type compareNode struct {
	op              string
	caseInsensitive bool
	lhs, rhs        operand
}

func (n *compareNode) String() string {
	flag := ""
	if n.caseInsensitive {
		flag = "[c]"
	}
	return fmt.Sprintf("%s %s%s %s", n.lhs, n.op, flag, n.rhs)
}

func (n *compareNode) eval(e *evaluator, rec *mvcc.Record) (bool, error) {
	lv, err := n.lhs.values(e, rec)
	if err != nil {
		return false, err
	}
	rv, err := n.rhs.values(e, rec)
	if err != nil {
		return false, err
	}
	for _, a := range lv {
		for _, b := range rv {
			if match(n.op, n.caseInsensitive, a, b) {
				return true, nil
			}
		}
	}
	return false, nil
}

func match(op string, fold bool, a, b value.Value) bool {
	switch op {
	case "==":
		return equalValues(a, b, fold)
	case "!=":
		return !equalValues(a, b, fold)
	case "<", "<=", ">", ">=":
		if a.IsNull() || b.IsNull() {
			return false
		}
		c, ok := value.Compare(a, b)
		if !ok {
			return false
		}
		switch op {
		case "<":
			return c < 0
		case "<=":
			return c <= 0
		case ">":
			return c > 0
		}
		return c >= 0
	}

	as, aok := text(a)
	bs, bok := text(b)
	if !aok || !bok {
		return false
	}
	if fold {
		as, bs = strings.ToLower(as), strings.ToLower(bs)
	}
	switch op {
	case "BEGINSWITH":
		return strings.HasPrefix(as, bs)
	case "ENDSWITH":
		return strings.HasSuffix(as, bs)
	case "CONTAINS":
		return strings.Contains(as, bs)
	}
	return false
}

func equalValues(a, b value.Value, fold bool) bool {
	if _, ok := a.Number(); ok {
		c, ok := value.Compare(a, b)
		return ok && c == 0
	}
	if fold {
		as, aok := a.AsString()
		bs, bok := b.AsString()
		if aok == nil && bok == nil {
			return strings.EqualFold(as, bs)
		}
	}
	return value.Equal(a, b)
}

func text(v value.Value) (string, bool) {
	switch v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		return s, true
	case value.KindBinary:
		b, _ := v.AsBinary()
		return string(b), true
	}
	return "", false
}

// op is one step of a query: a filter or a descriptor.
type op interface {
	apply(e *evaluator, recs []*mvcc.Record) ([]*mvcc.Record, error)
	String() string
}

type filterOp struct {
	root node
	text string
}

func (f *filterOp) String() string { return f.text }

func (f *filterOp) apply(e *evaluator, recs []*mvcc.Record) ([]*mvcc.Record, error) {
	out := recs[:0:0]
	for _, rec := range recs {
		ok, err := f.root.eval(e, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

type sortKey struct {
	path      *pathOperand
	ascending bool
}

type sortOp struct {
	keys []sortKey
}

func (s *sortOp) String() string {
	parts := make([]string, len(s.keys))
	for i, k := range s.keys {
		dir := "ASC"
		if !k.ascending {
			dir = "DESC"
		}
		parts[i] = k.path.text + " " + dir
	}
	return "SORT(" + strings.Join(parts, ", ") + ")"
}

func (s *sortOp) apply(e *evaluator, recs []*mvcc.Record) ([]*mvcc.Record, error) {
	type row struct {
		rec  *mvcc.Record
		keys []value.Value
	}
	rows := make([]row, len(recs))
	for i, rec := range recs {
		rows[i].rec = rec
		for _, k := range s.keys {
			v, err := k.path.single(e, rec)
			if err != nil {
				return nil, err
			}
			rows[i].keys = append(rows[i].keys, v)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for n, k := range s.keys {
			c := sortCompare(rows[i].keys[n], rows[j].keys[n])
			if c == 0 {
				continue
			}
			if !k.ascending {
				c = -c
			}
			return c < 0
		}
		return false
	})
	out := make([]*mvcc.Record, len(rows))
	for i := range rows {
		out[i] = rows[i].rec
	}
	return out, nil
}

// sortCompare orders nulls first, then by value; values that cannot be
// compared fall back to their kind.
func sortCompare(a, b value.Value) int {
	switch {
	case a.IsNull() && b.IsNull():
		return 0
	case a.IsNull():
		return -1
	case b.IsNull():
		return 1
	}
	if c, ok := value.Compare(a, b); ok {
		return c
	}
	switch {
	case a.Kind() < b.Kind():
		return -1
	case a.Kind() > b.Kind():
		return 1
	}
	return strings.Compare(value.StructuralFingerprint(a), value.StructuralFingerprint(b))
}

type distinctOp struct {
	paths []*pathOperand
}

func (d *distinctOp) String() string {
	parts := make([]string, len(d.paths))
	for i, p := range d.paths {
		parts[i] = p.text
	}
	return "DISTINCT(" + strings.Join(parts, ", ") + ")"
}

func (d *distinctOp) apply(e *evaluator, recs []*mvcc.Record) ([]*mvcc.Record, error) {
	seen := make(map[string]struct{}, len(recs))
	out := recs[:0:0]
	for _, rec := range recs {
		var b strings.Builder
		for _, p := range d.paths {
			v, err := p.single(e, rec)
			if err != nil {
				return nil, err
			}
			b.WriteString(value.StructuralFingerprint(v))
			b.WriteByte(0)
		}
		if _, dup := seen[b.String()]; dup {
			continue
		}
		seen[b.String()] = struct{}{}
		out = append(out, rec)
	}
	return out, nil
}

type limitOp struct {
	n int
}

func (l *limitOp) String() string { return fmt.Sprintf("LIMIT(%d)", l.n) }

func (l *limitOp) apply(_ *evaluator, recs []*mvcc.Record) ([]*mvcc.Record, error) {
	if len(recs) > l.n {
		return recs[:l.n], nil
	}
	return recs, nil
}
