package livestore

import (
	"fmt"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/validation"
	"github.com/devrev/livestore/internal/value"
)

// ObjectView is the state of an object at one version. It is a detached
// copy and never changes.
type ObjectView struct {
	Class   string
	Key     int64
	Version uint64
	Fields  map[string]value.Value
}

// Get returns the named field, or null when the view has no such field.
func (v *ObjectView) Get(name string) value.Value {
	return v.Fields[name]
}

func newView(c *schema.Class, rec *mvcc.Record, version mvcc.VersionID) *ObjectView {
	view := &ObjectView{
		Class:   c.Name,
		Key:     rec.Key.ObjKey,
		Version: uint64(version),
		Fields:  make(map[string]value.Value, len(c.Properties)),
	}
	for i := range c.Properties {
		p := &c.Properties[i]
		if v, ok := rec.Get(p.Name); ok {
			view.Fields[p.Name] = v
		} else {
			view.Fields[p.Name] = p.DefaultValue()
		}
	}
	return view
}

// unmanaged holds the fields of an object that was never written to a store.
// Objects produced by Detach share graph, which resolves their links.
type unmanaged struct {
	schema    *schema.Schema
	validator *validation.Validator
	fields    map[string]value.Value
	graph     map[value.Link]*Object
}

// Object is a handle to one object.
type Object struct {
	b     binding
	class *schema.Class
	key   int64
	local *unmanaged
}

func newUnmanaged(s *schema.Schema, v *validation.Validator, c *schema.Class) *Object {
	fields := make(map[string]value.Value, len(c.Properties))
	for i := range c.Properties {
		fields[c.Properties[i].Name] = c.Properties[i].DefaultValue()
	}
	return &Object{class: c, local: &unmanaged{schema: s, validator: v, fields: fields}}
}

// Managed reports whether the object lives in a store.
func (o *Object) Managed() bool { return o.b.managed() }

// Frozen reports whether the handle reads a pinned version.
func (o *Object) Frozen() bool { return o.b.frozen != nil }

// Class returns the class name.
func (o *Object) Class() string { return o.class.Name }

// Key returns the object key; 0 for unmanaged objects.
func (o *Object) Key() int64 { return o.key }

func (o *Object) mvccKey() mvcc.Key {
	return mvcc.Key{Class: o.class.Name, ObjKey: o.key}
}

func (o *Object) String() string {
	if !o.Managed() {
		return o.class.Name + "[unmanaged]"
	}
	return o.mvccKey().String()
}

// Resolve returns the object's state at the handle's target version.
// found is false, without an error, when the object does not exist there.
func (o *Object) Resolve() (*ObjectView, bool, error) {
	if !o.Managed() {
		fields := make(map[string]value.Value, len(o.local.fields))
		for k, v := range o.local.fields {
			fields[k] = v
		}
		return &ObjectView{Class: o.class.Name, Fields: fields}, true, nil
	}
	r, release, err := o.b.reader()
	if err != nil {
		return nil, false, err
	}
	defer release()
	return o.resolveAt(r)
}

func (o *Object) resolveAt(r mvcc.Reader) (*ObjectView, bool, error) {
	rec, found, err := r.Get(o.mvccKey())
	if err != nil || !found {
		return nil, false, err
	}
	return newView(o.class, rec, r.Version()), true, nil
}

// IsValid reports whether the object can be read: it is unmanaged, or it
// exists at the handle's target version.
func (o *Object) IsValid() bool {
	_, found, err := o.Resolve()
	return err == nil && found
}

func (o *Object) property(name string) (*schema.Property, error) {
	p, ok := o.class.Property(name)
	if ok {
		return p, nil
	}
	if _, isBacklink := o.class.Backlink(name); isBacklink {
		return nil, errors.InvalidArgument(fmt.Sprintf("'%s.%s' is a backlink; use Backlinks", o.class.Name, name), nil)
	}
	return nil, errors.InvalidArgument(fmt.Sprintf("property '%s' does not exist on '%s'", name, o.class.Name), nil)
}

// Get returns the value of a persisted property. Reading a deleted object
// fails with ObjectDeleted.
func (o *Object) Get(name string) (value.Value, error) {
	if _, err := o.property(name); err != nil {
		return value.Value{}, err
	}
	view, found, err := o.Resolve()
	if err != nil {
		return value.Value{}, err
	}
	if !found {
		return value.Value{}, errors.ObjectDeleted(o.class.Name, o.key)
	}
	return view.Get(name), nil
}

// Link follows a to-one object property. A null link returns nil.
func (o *Object) Link(name string) (*Object, error) {
	p, err := o.property(name)
	if err != nil {
		return nil, err
	}
	if p.Type != schema.TypeObject || p.IsCollection() {
		return nil, errors.InvalidArgument(fmt.Sprintf("'%s.%s' is not a to-one link", o.class.Name, name), nil)
	}
	v, err := o.Get(name)
	if err != nil {
		return nil, err
	}
	return o.follow(v)
}

// LinkedObjects follows a list or set of links.
func (o *Object) LinkedObjects(name string) ([]*Object, error) {
	p, err := o.property(name)
	if err != nil {
		return nil, err
	}
	if p.Type != schema.TypeObject || (p.Collection != schema.CollectionList && p.Collection != schema.CollectionSet) {
		return nil, errors.InvalidArgument(fmt.Sprintf("'%s.%s' is not a list or set of links", o.class.Name, name), nil)
	}
	v, err := o.Get(name)
	if err != nil {
		return nil, err
	}
	list, err := v.AsList()
	if err != nil {
		return nil, err
	}
	out := make([]*Object, 0, list.Len())
	for _, e := range list.Elements() {
		obj, err := o.follow(e)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// follow resolves a link value read from o. Unmanaged objects resolve only
// links into their detached graph.
func (o *Object) follow(v value.Value) (*Object, error) {
	if v.IsNull() {
		return nil, nil
	}
	if o.Managed() {
		return o.b.link(v)
	}
	l, err := v.AsLink()
	if err != nil {
		return nil, err
	}
	if target, ok := o.local.graph[l]; ok {
		return target, nil
	}
	return nil, errors.Unmanaged("following a link")
}

// Put sets a persisted property. Managed objects must be bound to an open
// write transaction.
func (o *Object) Put(name string, v value.Value) error {
	if _, err := o.property(name); err != nil {
		return err
	}
	if !o.Managed() {
		if err := o.local.validator.ValidateField(o.class, name, v); err != nil {
			return err
		}
		p, _ := o.class.Property(name)
		o.local.fields[name] = normalize(p, v)
		return nil
	}
	tx, t, err := o.b.txn("put")
	if err != nil {
		return err
	}
	return tx.setField(t, o, name, v)
}

// Freeze returns a handle to the object at the version a live read would
// see now. Release the returned handle when done.
func (o *Object) Freeze() (*Object, error) {
	if !o.Managed() {
		return nil, errors.Unmanaged("freeze")
	}
	b, err := o.b.freeze()
	if err != nil {
		return nil, err
	}
	return &Object{b: b, class: o.class, key: o.key}, nil
}

// Release unpins the frozen view the handle reads; no-op for other handles.
func (o *Object) Release() { o.b.release() }

// List returns the handle of a list property.
func (o *Object) List(name string) (*List, error) {
	p, err := o.collectionProperty(name, schema.CollectionList)
	if err != nil {
		return nil, err
	}
	return &List{collection: &collection{owner: o, prop: p, elem: p}}, nil
}

// Set returns the handle of a set property.
func (o *Object) Set(name string) (*Set, error) {
	p, err := o.collectionProperty(name, schema.CollectionSet)
	if err != nil {
		return nil, err
	}
	return &Set{collection: &collection{owner: o, prop: p, elem: p}}, nil
}

// Dictionary returns the handle of a dictionary property.
func (o *Object) Dictionary(name string) (*Dictionary, error) {
	p, err := o.collectionProperty(name, schema.CollectionDictionary)
	if err != nil {
		return nil, err
	}
	return &Dictionary{collection: &collection{owner: o, prop: p, elem: p}}, nil
}

func (o *Object) collectionProperty(name string, kind schema.CollectionKind) (*schema.Property, error) {
	if !o.Managed() {
		return nil, errors.Unmanaged("collection access")
	}
	p, err := o.property(name)
	if err != nil {
		return nil, err
	}
	if p.Collection != kind {
		return nil, errors.InvalidArgument(fmt.Sprintf("'%s.%s' is not a %s", o.class.Name, name, kind), nil)
	}
	return p, nil
}

// NestedList returns a handle to the list currently stored in an any-typed
// property. The handle stops resolving, with InvalidatedReference, once the
// property is overwritten.
func (o *Object) NestedList(name string) (*List, error) {
	c, err := o.nested(name, value.KindList)
	if err != nil {
		return nil, err
	}
	return &List{collection: c}, nil
}

// NestedDictionary returns a handle to the dictionary currently stored in an
// any-typed property.
func (o *Object) NestedDictionary(name string) (*Dictionary, error) {
	c, err := o.nested(name, value.KindDictionary)
	if err != nil {
		return nil, err
	}
	return &Dictionary{collection: c}, nil
}

func (o *Object) nested(name string, kind value.Kind) (*collection, error) {
	if !o.Managed() {
		return nil, errors.Unmanaged("nested container access")
	}
	p, err := o.property(name)
	if err != nil {
		return nil, err
	}
	if p.Type != schema.TypeAny || p.IsCollection() {
		return nil, errors.InvalidArgument(fmt.Sprintf("'%s.%s' is not an any-typed property", o.class.Name, name), nil)
	}
	v, err := o.Get(name)
	if err != nil {
		return nil, err
	}
	if v.Kind() != kind {
		return nil, errors.TypeMismatch(kind.String(), v.Kind().String())
	}
	return &collection{
		owner: o,
		prop:  p,
		elem:  anyElement(p),
		path:  []step{{kind: stepField, container: kind, id: v.Container().ID()}},
	}, nil
}

// Backlinks returns the objects linking to this one through a backlink
// property.
func (o *Object) Backlinks(name string) (*Backlinks, error) {
	if !o.Managed() {
		return nil, errors.Unmanaged("backlinks")
	}
	bl, ok := o.class.Backlink(name)
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("backlink '%s' does not exist on '%s'", name, o.class.Name), nil)
	}
	return &Backlinks{target: o, link: bl}, nil
}

// normalize drops duplicate set members, keeping the first occurrence.
func normalize(p *schema.Property, v value.Value) value.Value {
	if p.Collection != schema.CollectionSet {
		return v
	}
	list, err := v.AsList()
	if err != nil {
		return v
	}
	return value.List(dedupe(list.Elements())...)
}

func dedupe(elems []value.Value) []value.Value {
	seen := make(map[string]struct{}, len(elems))
	out := elems[:0:0]
	for _, e := range elems {
		fp := value.StructuralFingerprint(e)
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, e)
	}
	return out
}
