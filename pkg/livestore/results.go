package livestore

import (
	"fmt"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/query"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/value"
)

// SortKey orders results by one key path.
type SortKey = query.SortKey

// Results is a handle to the objects of one class matched by a query,
// re-evaluated at the handle's target version on every call.
type Results struct {
	b binding
	q *query.Query
}

// Class returns the class of the matched objects.
func (r *Results) Class() string { return r.q.Class().Name }

// Description returns the query text, descriptors included.
func (r *Results) Description() string { return r.q.String() }

func (r *Results) keysAt(rd mvcc.Reader) ([]mvcc.Key, error) {
	return r.q.Evaluate(rd, r.b.store.backlinks.Lookup)
}

func (r *Results) keys() ([]mvcc.Key, error) {
	rd, release, err := r.b.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	return r.keysAt(rd)
}

// Len returns the number of matched objects.
func (r *Results) Len() (int, error) {
	keys, err := r.keys()
	return len(keys), err
}

// Count is Len under its aggregate name.
func (r *Results) Count() (int, error) { return r.Len() }

// Keys returns the keys of the matched objects, in result order.
func (r *Results) Keys() ([]int64, error) {
	keys, err := r.keys()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = k.ObjKey
	}
	return out, nil
}

// Objects returns handles to the matched objects, bound like the results.
func (r *Results) Objects() ([]*Object, error) {
	keys, err := r.keys()
	if err != nil {
		return nil, err
	}
	out := make([]*Object, len(keys))
	for i, k := range keys {
		if out[i], err = r.b.object(k.Class, k.ObjKey); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// At returns the object at position i.
func (r *Results) At(i int) (*Object, error) {
	keys, err := r.keys()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(keys) {
		return nil, errors.InvalidArgument(fmt.Sprintf("index %d out of bounds for size %d", i, len(keys)), nil)
	}
	return r.b.object(keys[i].Class, keys[i].ObjKey)
}

// First returns the first object, if any.
func (r *Results) First() (*Object, bool, error) {
	keys, err := r.keys()
	if err != nil || len(keys) == 0 {
		return nil, false, err
	}
	obj, err := r.b.object(keys[0].Class, keys[0].ObjKey)
	return obj, err == nil, err
}

func (r *Results) derive(q *query.Query, err error) (*Results, error) {
	if err != nil {
		return nil, err
	}
	return &Results{b: r.b, q: q}, nil
}

// Query narrows the results with another predicate. Operations apply in the
// order they were chained: a filter after a sort or limit sees only what
// those left.
func (r *Results) Query(predicate string, args ...value.Value) (*Results, error) {
	return r.derive(r.q.Filter(predicate, args...))
}

// Sort orders the results.
func (r *Results) Sort(keys ...SortKey) (*Results, error) {
	return r.derive(r.q.Sort(keys...))
}

// Distinct keeps the first object of every distinct combination of paths.
func (r *Results) Distinct(paths ...string) (*Results, error) {
	return r.derive(r.q.Distinct(paths...))
}

// Limit keeps the first n objects.
func (r *Results) Limit(n int) (*Results, error) {
	return r.derive(r.q.Limit(n))
}

// Freeze returns the results at the version a live read would see now.
func (r *Results) Freeze() (*Results, error) {
	b, err := r.b.freeze()
	if err != nil {
		return nil, err
	}
	return &Results{b: b, q: r.q}, nil
}

// Release unpins the frozen view the handle reads; no-op for other handles.
func (r *Results) Release() { r.b.release() }

// AggregateKind names an aggregate over a numeric property.
type AggregateKind string

const (
	AggregateSum     AggregateKind = "sum"
	AggregateMin     AggregateKind = "min"
	AggregateMax     AggregateKind = "max"
	AggregateAverage AggregateKind = "avg"
)

// Sum adds up a numeric property. An empty result sums to int 0.
func (r *Results) Sum(prop string) (value.Value, error) {
	return r.Aggregate(AggregateSum, prop)
}

// Min returns the smallest value of a property; null for no objects.
func (r *Results) Min(prop string) (value.Value, error) {
	return r.Aggregate(AggregateMin, prop)
}

// Max returns the largest value of a property; null for no objects.
func (r *Results) Max(prop string) (value.Value, error) {
	return r.Aggregate(AggregateMax, prop)
}

// Average returns the mean of a numeric property as a double; null for no
// objects.
func (r *Results) Average(prop string) (value.Value, error) {
	return r.Aggregate(AggregateAverage, prop)
}

// Aggregate computes kind over prop.
func (r *Results) Aggregate(kind AggregateKind, prop string) (value.Value, error) {
	p, err := aggregateProperty(r.q.Class(), kind, prop)
	if err != nil {
		return value.Value{}, err
	}
	rd, release, err := r.b.reader()
	if err != nil {
		return value.Value{}, err
	}
	defer release()
	keys, err := r.keysAt(rd)
	if err != nil {
		return value.Value{}, err
	}
	return aggregate(rd, keys, kind, p)
}

func aggregateProperty(c *schema.Class, kind AggregateKind, name string) (*schema.Property, error) {
	p, ok := c.Property(name)
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("property '%s' does not exist on '%s'", name, c.Name), nil)
	}
	if p.IsCollection() {
		return nil, errors.InvalidArgument(fmt.Sprintf("cannot aggregate collection property '%s.%s'", c.Name, name), nil)
	}
	switch kind {
	case AggregateSum, AggregateMin, AggregateMax, AggregateAverage:
	default:
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown aggregate '%s'", kind), nil)
	}
	switch p.Type {
	case schema.TypeInt, schema.TypeFloat, schema.TypeDouble:
		return p, nil
	case schema.TypeTimestamp:
		if kind == AggregateMin || kind == AggregateMax {
			return p, nil
		}
	}
	return nil, errors.InvalidArgument(fmt.Sprintf("cannot compute %s of %s property '%s.%s'", kind, p.Type, c.Name, name), nil)
}

// aggregate skips null values. Integer sums stay integers; any float or
// double makes the sum a double.
func aggregate(rd mvcc.Reader, keys []mvcc.Key, kind AggregateKind, p *schema.Property) (value.Value, error) {
	var (
		count    int
		intSum   int64
		floatSum float64
		floating bool
		best     value.Value
	)
	for _, k := range keys {
		rec, found, err := rd.Get(k)
		if err != nil {
			return value.Value{}, err
		}
		if !found {
			continue
		}
		v, ok := rec.Get(p.Name)
		if !ok || v.IsNull() {
			continue
		}
		count++
		switch kind {
		case AggregateSum, AggregateAverage:
			if i, err := v.AsInt64(); err == nil {
				intSum += i
			} else if n, ok := v.Number(); ok {
				floatSum += n
				floating = true
			}
		case AggregateMin, AggregateMax:
			if count == 1 {
				best = v
				continue
			}
			c, ok := value.Compare(v, best)
			if ok && ((kind == AggregateMin && c < 0) || (kind == AggregateMax && c > 0)) {
				best = v
			}
		}
	}
	switch kind {
	case AggregateSum:
		if floating {
			return value.Double(floatSum + float64(intSum)), nil
		}
		return value.Int(intSum), nil
	case AggregateAverage:
		if count == 0 {
			return value.Null(), nil
		}
		return value.Double((floatSum + float64(intSum)) / float64(count)), nil
	}
	if count == 0 {
		return value.Null(), nil
	}
	return best, nil
}

// Backlinks is a handle to the objects linking to one object through a
// backlink property. A source appears once per link it holds.
type Backlinks struct {
	target *Object
	link   *schema.Backlink
}

// Target returns the linked-to object.
func (bl *Backlinks) Target() *Object { return bl.target }

func (bl *Backlinks) keysAt(rd mvcc.Reader) ([]mvcc.Key, bool, error) {
	_, found, err := rd.Get(bl.target.mvccKey())
	if err != nil || !found {
		return nil, false, err
	}
	keys, err := bl.target.b.store.backlinks.Lookup(rd, bl.target.mvccKey(), bl.link)
	return keys, true, err
}

func (bl *Backlinks) keys() ([]mvcc.Key, error) {
	rd, release, err := bl.target.b.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	keys, _, err := bl.keysAt(rd)
	return keys, err
}

// Len returns the number of links; 0 when the target has been deleted.
func (bl *Backlinks) Len() (int, error) {
	keys, err := bl.keys()
	return len(keys), err
}

// Objects returns the linking objects in key order.
func (bl *Backlinks) Objects() ([]*Object, error) {
	keys, err := bl.keys()
	if err != nil {
		return nil, err
	}
	out := make([]*Object, len(keys))
	for i, k := range keys {
		if out[i], err = bl.target.b.object(k.Class, k.ObjKey); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Freeze returns the backlinks at the version a live read would see now.
func (bl *Backlinks) Freeze() (*Backlinks, error) {
	target, err := bl.target.Freeze()
	if err != nil {
		return nil, err
	}
	return &Backlinks{target: target, link: bl.link}, nil
}

// Release unpins the frozen view the handle reads; no-op for other handles.
func (bl *Backlinks) Release() { bl.target.Release() }
