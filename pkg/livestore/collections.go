package livestore

import (
	"fmt"
	"strings"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/validation"
	"github.com/devrev/livestore/internal/value"
)

type stepKind uint8

const (
	// stepField checks the container stored directly in the property.
	stepField stepKind = iota
	// stepIndex selects the list element holding the container instance.
	stepIndex
	// stepKey selects the dictionary entry under key.
	stepKey
)

// step is one hop from a property value to a nested container. id is the
// instance the hop must reach; any other instance means the slot was
// overwritten.
type step struct {
	kind      stepKind
	key       string
	container value.Kind
	id        uint64
}

// collection is the part shared by list, set and dictionary handles: the
// owning object, the property and the path to a nested container.
type collection struct {
	owner *Object
	prop  *schema.Property
	// elem validates inserted elements.
	elem *schema.Property
	path []step
}

func anyElement(p *schema.Property) *schema.Property {
	return &schema.Property{Name: p.Name, Type: schema.TypeAny, Nullable: true}
}

func (c *collection) describe() string {
	var b strings.Builder
	b.WriteString(c.owner.String())
	b.WriteByte('.')
	b.WriteString(c.prop.Name)
	for _, st := range c.path {
		switch st.kind {
		case stepIndex:
			fmt.Fprintf(&b, "[#%d]", st.id)
		case stepKey:
			fmt.Fprintf(&b, "[%q]", st.key)
		}
	}
	return b.String()
}

func (c *collection) invalidated() error {
	return errors.InvalidatedReference(c.describe())
}

// chain returns the containers from the property value down to the handle's
// container. found is false when the owner does not exist.
func (c *collection) chain(r mvcc.Reader) ([]*value.Container, bool, error) {
	rec, found, err := r.Get(c.owner.mvccKey())
	if err != nil || !found {
		return nil, false, err
	}
	v, ok := rec.Get(c.prop.Name)
	if !ok {
		v = c.prop.DefaultValue()
	}
	var out []*value.Container
	cur := v.Container()
	for _, st := range c.path {
		switch st.kind {
		case stepIndex:
			if cur == nil {
				return nil, false, c.invalidated()
			}
			out = append(out, cur)
			i := cur.IndexOfInstance(st.id)
			if i < 0 {
				return nil, false, c.invalidated()
			}
			e, _ := cur.At(i)
			cur = e.Container()
		case stepKey:
			if cur == nil {
				return nil, false, c.invalidated()
			}
			out = append(out, cur)
			e, ok := cur.Lookup(st.key)
			if !ok {
				return nil, false, c.invalidated()
			}
			cur = e.Container()
		}
		if cur == nil || cur.ID() != st.id || cur.Kind() != st.container {
			return nil, false, c.invalidated()
		}
	}
	if cur == nil {
		return nil, false, errors.CorruptedData(fmt.Sprintf("%s does not hold a collection", c.describe()), nil)
	}
	return append(out, cur), true, nil
}

// resolve returns the container at the handle's target version; nil and
// found=false when the owner does not exist.
func (c *collection) resolve() (*value.Container, bool, error) {
	r, release, err := c.owner.b.reader()
	if err != nil {
		return nil, false, err
	}
	defer release()
	return c.resolveAt(r)
}

func (c *collection) resolveAt(r mvcc.Reader) (*value.Container, bool, error) {
	chain, found, err := c.chain(r)
	if err != nil || !found {
		return nil, false, err
	}
	return chain[len(chain)-1], true, nil
}

// Owner returns the object holding the collection.
func (c *collection) Owner() *Object { return c.owner }

// Len returns the number of elements; 0 when the owner has been deleted.
func (c *collection) Len() (int, error) {
	ct, found, err := c.resolve()
	if err != nil || !found {
		return 0, err
	}
	return ct.Len(), nil
}

// IsValid reports whether the owner exists and the handle still reaches its
// container instance.
func (c *collection) IsValid() bool {
	_, found, err := c.resolve()
	return err == nil && found
}

// Release unpins the frozen view the handle reads; no-op for other handles.
func (c *collection) Release() { c.owner.Release() }

func (c *collection) frozen() (*collection, error) {
	owner, err := c.owner.Freeze()
	if err != nil {
		return nil, err
	}
	out := *c
	out.owner = owner
	return &out, nil
}

func (c *collection) child(kind stepKind, key string, v value.Value) *collection {
	path := make([]step, len(c.path), len(c.path)+1)
	copy(path, c.path)
	path = append(path, step{kind: kind, key: key, container: v.Kind(), id: v.Container().ID()})
	return &collection{owner: c.owner, prop: c.prop, elem: anyElement(c.prop), path: path}
}

func (c *collection) checkNested(v value.Value, kind value.Kind) error {
	if c.elem.Type != schema.TypeAny {
		return errors.InvalidArgument(fmt.Sprintf("%s does not hold any-typed values", c.describe()), nil)
	}
	if v.Kind() != kind {
		return errors.TypeMismatch(kind.String(), v.Kind().String())
	}
	return nil
}

// prepare validates an element about to be stored and assigns fresh
// instance ids to the containers inside it.
func (c *collection) prepare(tx *WriteTx, t *mvcc.Txn, v value.Value) (value.Value, error) {
	if err := tx.s.validator.ValidateElement(c.elem, v); err != nil {
		return value.Value{}, err
	}
	if err := tx.checkLinks(t, v); err != nil {
		return value.Value{}, err
	}
	return tx.s.data.Adopt(v), nil
}

// mutate applies fn to a private copy of the container and writes the
// copies back up the path into the owner. Instance ids are kept, so handles
// into the container stay valid.
func (c *collection) mutate(op string, fn func(tx *WriteTx, t *mvcc.Txn, leaf *value.Container) error) error {
	tx, t, err := c.owner.b.txn(op)
	if err != nil {
		return err
	}
	rec, found, err := t.Get(c.owner.mvccKey())
	if err != nil {
		return err
	}
	if !found {
		return errors.ObjectDeleted(c.owner.class.Name, c.owner.key)
	}
	chain, _, err := c.chain(t)
	if err != nil {
		return err
	}
	clones := make([]*value.Container, len(chain))
	for i, ct := range chain {
		clones[i] = ct.Clone()
	}
	if err := fn(tx, t, clones[len(clones)-1]); err != nil {
		return err
	}

	var hops []step
	for _, st := range c.path {
		if st.kind != stepField {
			hops = append(hops, st)
		}
	}
	for i := len(clones) - 1; i > 0; i-- {
		parent, hop := clones[i-1], hops[i-1]
		v := value.FromContainer(clones[i])
		if hop.kind == stepKey {
			parent.Put(hop.key, v)
			continue
		}
		if err := parent.SetAt(parent.IndexOfInstance(hop.id), v); err != nil {
			return err
		}
	}
	next := rec.Clone()
	next.Fields[c.prop.Name] = value.FromContainer(clones[0])
	return tx.putOwned(t, rec, next)
}

// List is a handle to an ordered collection: a list property or a nested
// list inside an any-typed value.
type List struct {
	*collection
}

// Elements returns the elements; empty when the owner has been deleted.
func (l *List) Elements() ([]value.Value, error) {
	ct, found, err := l.resolve()
	if err != nil || !found {
		return nil, err
	}
	return ct.Elements(), nil
}

// Get returns the element at index i.
func (l *List) Get(i int) (value.Value, error) {
	ct, found, err := l.resolve()
	if err != nil {
		return value.Value{}, err
	}
	if !found {
		return value.Value{}, errors.ObjectDeleted(l.owner.class.Name, l.owner.key)
	}
	return ct.At(i)
}

// IndexOf returns the position of the first element equal to v, or -1.
func (l *List) IndexOf(v value.Value) (int, error) {
	elems, err := l.Elements()
	if err != nil {
		return -1, err
	}
	for i, e := range elems {
		if value.Equal(e, v) {
			return i, nil
		}
	}
	return -1, nil
}

// Object returns the object referenced by the element at index i.
func (l *List) Object(i int) (*Object, error) {
	v, err := l.Get(i)
	if err != nil {
		return nil, err
	}
	return l.owner.b.link(v)
}

// Objects returns the objects referenced by the list, in order.
func (l *List) Objects() ([]*Object, error) {
	elems, err := l.Elements()
	if err != nil {
		return nil, err
	}
	return linkedObjects(l.owner.b, elems)
}

// Append adds elements at the end.
func (l *List) Append(vs ...value.Value) error {
	return l.mutate("append", func(tx *WriteTx, t *mvcc.Txn, leaf *value.Container) error {
		for _, v := range vs {
			e, err := l.prepare(tx, t, v)
			if err != nil {
				return err
			}
			leaf.Append(e)
		}
		return nil
	})
}

// Insert adds v at index i, shifting later elements.
func (l *List) Insert(i int, v value.Value) error {
	return l.mutate("insert", func(tx *WriteTx, t *mvcc.Txn, leaf *value.Container) error {
		e, err := l.prepare(tx, t, v)
		if err != nil {
			return err
		}
		return leaf.Insert(i, e)
	})
}

// Set replaces the element at index i. Handles into the old element stop
// resolving.
func (l *List) Set(i int, v value.Value) error {
	return l.mutate("set", func(tx *WriteTx, t *mvcc.Txn, leaf *value.Container) error {
		e, err := l.prepare(tx, t, v)
		if err != nil {
			return err
		}
		return leaf.SetAt(i, e)
	})
}

// Remove deletes the element at index i.
func (l *List) Remove(i int) error {
	return l.mutate("remove", func(_ *WriteTx, _ *mvcc.Txn, leaf *value.Container) error {
		_, err := leaf.RemoveAt(i)
		return err
	})
}

// Move moves the element at from to position to.
func (l *List) Move(from, to int) error {
	return l.mutate("move", func(_ *WriteTx, _ *mvcc.Txn, leaf *value.Container) error {
		if to < 0 || to >= leaf.Len() {
			return errors.InvalidArgument(fmt.Sprintf("index %d out of bounds for size %d", to, leaf.Len()), nil)
		}
		e, err := leaf.RemoveAt(from)
		if err != nil {
			return err
		}
		return leaf.Insert(to, e)
	})
}

// Clear removes every element.
func (l *List) Clear() error {
	return l.mutate("clear", func(_ *WriteTx, _ *mvcc.Txn, leaf *value.Container) error {
		leaf.Clear()
		return nil
	})
}

// NestedList returns a handle to the list stored at index i.
func (l *List) NestedList(i int) (*List, error) {
	v, err := l.Get(i)
	if err != nil {
		return nil, err
	}
	if err := l.checkNested(v, value.KindList); err != nil {
		return nil, err
	}
	return &List{collection: l.child(stepIndex, "", v)}, nil
}

// NestedDictionary returns a handle to the dictionary stored at index i.
func (l *List) NestedDictionary(i int) (*Dictionary, error) {
	v, err := l.Get(i)
	if err != nil {
		return nil, err
	}
	if err := l.checkNested(v, value.KindDictionary); err != nil {
		return nil, err
	}
	return &Dictionary{collection: l.child(stepIndex, "", v)}, nil
}

// Freeze returns a handle to the list at the version a live read would see
// now.
func (l *List) Freeze() (*List, error) {
	c, err := l.frozen()
	if err != nil {
		return nil, err
	}
	return &List{collection: c}, nil
}

// Set is a handle to a set property. Elements are unique under value
// equality and have no meaningful order.
type Set struct {
	*collection
}

// Elements returns the members; empty when the owner has been deleted.
func (s *Set) Elements() ([]value.Value, error) {
	ct, found, err := s.resolve()
	if err != nil || !found {
		return nil, err
	}
	return ct.Elements(), nil
}

// Contains reports whether v is a member.
func (s *Set) Contains(v value.Value) (bool, error) {
	elems, err := s.Elements()
	if err != nil {
		return false, err
	}
	return indexOf(elems, v) >= 0, nil
}

// Objects returns the referenced objects.
func (s *Set) Objects() ([]*Object, error) {
	elems, err := s.Elements()
	if err != nil {
		return nil, err
	}
	return linkedObjects(s.owner.b, elems)
}

// Add inserts v unless an equal member exists; added reports which.
func (s *Set) Add(v value.Value) (added bool, err error) {
	err = s.mutate("add", func(tx *WriteTx, t *mvcc.Txn, leaf *value.Container) error {
		if indexOf(leaf.Elements(), v) >= 0 {
			return nil
		}
		e, err := s.prepare(tx, t, v)
		if err != nil {
			return err
		}
		leaf.Append(e)
		added = true
		return nil
	})
	return added, err
}

// Remove deletes the member equal to v.
func (s *Set) Remove(v value.Value) (removed bool, err error) {
	err = s.mutate("remove", func(_ *WriteTx, _ *mvcc.Txn, leaf *value.Container) error {
		i := indexOf(leaf.Elements(), v)
		if i < 0 {
			return nil
		}
		removed = true
		_, err := leaf.RemoveAt(i)
		return err
	})
	return removed, err
}

// Clear removes every member.
func (s *Set) Clear() error {
	return s.mutate("clear", func(_ *WriteTx, _ *mvcc.Txn, leaf *value.Container) error {
		leaf.Clear()
		return nil
	})
}

// Freeze returns a handle to the set at the version a live read would see
// now.
func (s *Set) Freeze() (*Set, error) {
	c, err := s.frozen()
	if err != nil {
		return nil, err
	}
	return &Set{collection: c}, nil
}

// Dictionary is a handle to a string-keyed map: a dictionary property or a
// nested dictionary inside an any-typed value.
type Dictionary struct {
	*collection
}

// Entries returns a copy of the entries; empty when the owner has been
// deleted.
func (d *Dictionary) Entries() (map[string]value.Value, error) {
	ct, found, err := d.resolve()
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]value.Value{}, nil
	}
	return ct.Entries(), nil
}

// Keys returns the keys in sorted order.
func (d *Dictionary) Keys() ([]string, error) {
	ct, found, err := d.resolve()
	if err != nil || !found {
		return nil, err
	}
	return ct.Keys(), nil
}

// Get returns the entry under key.
func (d *Dictionary) Get(key string) (value.Value, bool, error) {
	ct, found, err := d.resolve()
	if err != nil || !found {
		return value.Value{}, false, err
	}
	v, ok := ct.Lookup(key)
	return v, ok, nil
}

// Object returns the object referenced under key; nil for a missing or null
// entry.
func (d *Dictionary) Object(key string) (*Object, error) {
	v, ok, err := d.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	return d.owner.b.link(v)
}

// Put stores v under key, replacing any previous entry.
func (d *Dictionary) Put(key string, v value.Value) error {
	if err := validation.ValidateDictionaryKey(key); err != nil {
		return err
	}
	return d.mutate("put", func(tx *WriteTx, t *mvcc.Txn, leaf *value.Container) error {
		e, err := d.prepare(tx, t, v)
		if err != nil {
			return err
		}
		leaf.Put(key, e)
		return nil
	})
}

// Delete removes the entry under key.
func (d *Dictionary) Delete(key string) (deleted bool, err error) {
	err = d.mutate("delete", func(_ *WriteTx, _ *mvcc.Txn, leaf *value.Container) error {
		deleted = leaf.Delete(key)
		return nil
	})
	return deleted, err
}

// Clear removes every entry.
func (d *Dictionary) Clear() error {
	return d.mutate("clear", func(_ *WriteTx, _ *mvcc.Txn, leaf *value.Container) error {
		leaf.Clear()
		return nil
	})
}

// NestedList returns a handle to the list stored under key.
func (d *Dictionary) NestedList(key string) (*List, error) {
	v, ok, err := d.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("%s has no entry '%s'", d.describe(), key), nil)
	}
	if err := d.checkNested(v, value.KindList); err != nil {
		return nil, err
	}
	return &List{collection: d.child(stepKey, key, v)}, nil
}

// NestedDictionary returns a handle to the dictionary stored under key.
func (d *Dictionary) NestedDictionary(key string) (*Dictionary, error) {
	v, ok, err := d.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("%s has no entry '%s'", d.describe(), key), nil)
	}
	if err := d.checkNested(v, value.KindDictionary); err != nil {
		return nil, err
	}
	return &Dictionary{collection: d.child(stepKey, key, v)}, nil
}

// Freeze returns a handle to the dictionary at the version a live read
// would see now.
func (d *Dictionary) Freeze() (*Dictionary, error) {
	c, err := d.frozen()
	if err != nil {
		return nil, err
	}
	return &Dictionary{collection: c}, nil
}

func indexOf(elems []value.Value, v value.Value) int {
	for i, e := range elems {
		if value.Equal(e, v) {
			return i
		}
	}
	return -1
}

func linkedObjects(b binding, elems []value.Value) ([]*Object, error) {
	out := make([]*Object, 0, len(elems))
	for _, e := range elems {
		if e.IsNull() {
			continue
		}
		obj, err := b.link(e)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}
