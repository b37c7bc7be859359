package livestore

import (
	"fmt"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/value"
)

// CreateEmbedded creates an object of an embedded class owned by owner
// through property. A to-one property drops its previous embedded object;
// a list property gets the new object appended.
func (tx *WriteTx) CreateEmbedded(owner *Object, property string, fields map[string]value.Value) (*Object, error) {
	if !owner.Managed() {
		return nil, errors.Unmanaged("create embedded")
	}
	otx, t, err := owner.b.txn("create embedded")
	if err != nil {
		return nil, err
	}
	if otx != tx {
		return nil, errors.InvalidArgument("owner is bound to another transaction", nil)
	}
	p, err := owner.property(property)
	if err != nil {
		return nil, err
	}
	if !tx.s.schema.Owns(p) {
		return nil, errors.InvalidArgument(
			fmt.Sprintf("'%s.%s' does not hold embedded objects", owner.class.Name, property), nil)
	}
	rec, found, err := t.Get(owner.mvccKey())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.ObjectDeleted(owner.class.Name, owner.key)
	}
	c, err := tx.s.schema.Lookup(p.Target)
	if err != nil {
		return nil, err
	}
	child, err := tx.create(t, c, fields)
	if err != nil {
		return nil, err
	}

	link := value.Object(c.Name, child.key)
	next := rec.Clone()
	if p.Collection == schema.CollectionList {
		var out *value.Container
		if cur, ok := rec.Get(p.Name); ok {
			if list, err := cur.AsList(); err == nil {
				out = list.Clone()
			}
		}
		if out == nil {
			out = tx.s.data.Adopt(value.List()).Container()
		}
		out.Append(link)
		next.Fields[p.Name] = value.FromContainer(out)
	} else {
		next.Fields[p.Name] = link
	}
	if err := tx.putOwned(t, rec, next); err != nil {
		return nil, err
	}
	return child, nil
}

// owned returns the keys of the embedded objects rec links to.
func (tx *WriteTx) owned(rec *mvcc.Record) []mvcc.Key {
	c, err := tx.s.schema.Lookup(rec.Key.Class)
	if err != nil {
		return nil
	}
	var keys []mvcc.Key
	for i := range c.Properties {
		p := &c.Properties[i]
		if !tx.s.schema.Owns(p) {
			continue
		}
		v, ok := rec.Get(p.Name)
		if !ok {
			continue
		}
		value.Walk(v, func(e value.Value) {
			if l, err := e.AsLink(); err == nil {
				keys = append(keys, mvcc.Key{Class: l.Class, ObjKey: l.Key})
			}
		})
	}
	return keys
}

// putOwned writes next over old and deletes the embedded objects that old
// owned and next no longer does.
func (tx *WriteTx) putOwned(t *mvcc.Txn, old, next *mvcc.Record) error {
	if err := t.Put(next); err != nil {
		return err
	}
	before := tx.owned(old)
	if len(before) == 0 {
		return nil
	}
	keep := make(map[mvcc.Key]struct{})
	for _, k := range tx.owned(next) {
		keep[k] = struct{}{}
	}
	return tx.deleteOwned(t, before, keep)
}

func (tx *WriteTx) deleteOwned(t *mvcc.Txn, keys []mvcc.Key, keep map[mvcc.Key]struct{}) error {
	for _, k := range keys {
		if _, ok := keep[k]; ok {
			continue
		}
		_, found, err := t.Get(k)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := tx.deleteKey(t, k); err != nil {
			return err
		}
	}
	return nil
}

// splitOwned separates an unmanaged object's embedded properties from the
// fields that can be written directly.
func (tx *WriteTx) splitOwned(o *Object) (map[string]value.Value, []*schema.Property) {
	fields := make(map[string]value.Value, len(o.local.fields))
	var owned []*schema.Property
	for i := range o.class.Properties {
		p := &o.class.Properties[i]
		v, ok := o.local.fields[p.Name]
		if !ok {
			continue
		}
		if tx.s.schema.Owns(p) {
			owned = append(owned, p)
			continue
		}
		fields[p.Name] = v
	}
	return fields, owned
}

// copyOwned recreates src's embedded objects under dst.
func (tx *WriteTx) copyOwned(dst, src *Object, owned []*schema.Property) error {
	for _, p := range owned {
		var links []value.Value
		value.Walk(src.local.fields[p.Name], func(e value.Value) {
			if _, err := e.AsLink(); err == nil {
				links = append(links, e)
			}
		})
		for _, l := range links {
			child, err := src.follow(l)
			if err != nil {
				return err
			}
			if child == nil || child.Managed() {
				continue
			}
			fields, nested := tx.splitOwned(child)
			created, err := tx.CreateEmbedded(dst, p.Name, fields)
			if err != nil {
				return err
			}
			if err := tx.copyOwned(created, child, nested); err != nil {
				return err
			}
		}
	}
	return nil
}
