package livestore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/txn"
	"github.com/devrev/livestore/internal/value"
)

// WriteTx is an open write transaction. Handles obtained through it read
// the transaction's own writes and can be mutated; they fail with
// InvalidatedAccess once the transaction ends. A WriteTx belongs to one
// goroutine.
type WriteTx struct {
	s       *Store
	w       *txn.Write
	objects map[mvcc.Key]*Object
}

func (s *Store) newWriteTx(w *txn.Write) *WriteTx {
	return &WriteTx{s: s, w: w, objects: make(map[mvcc.Key]*Object)}
}

func (tx *WriteTx) binding() binding { return binding{store: tx.s, write: tx} }

// Context returns the context marking this transaction. Opening another
// write with it fails with AlreadyInTransaction.
func (tx *WriteTx) Context() context.Context { return tx.w.Context() }

// BaseVersion returns the version the transaction started from.
func (tx *WriteTx) BaseVersion() uint64 { return uint64(tx.w.Txn().Version()) }

// Ended reports whether the transaction was committed or cancelled.
func (tx *WriteTx) Ended() bool { return tx.w.Ended() }

// Commit publishes the transaction and returns the new version.
func (tx *WriteTx) Commit() (uint64, error) {
	v, err := tx.w.Commit()
	return uint64(v), err
}

// Cancel discards every mutation. A second end fails with
// NoTransactionInProgress.
func (tx *WriteTx) Cancel() error {
	return tx.w.Cancel()
}

func (tx *WriteTx) txn() (*mvcc.Txn, error) {
	if err := tx.binding().check(); err != nil {
		return nil, err
	}
	return tx.w.Txn(), nil
}

// object returns the single handle for the identity within this
// transaction.
func (tx *WriteTx) object(c *schema.Class, key int64) *Object {
	k := mvcc.Key{Class: c.Name, ObjKey: key}
	if obj, ok := tx.objects[k]; ok {
		return obj
	}
	obj := &Object{b: tx.binding(), class: c, key: key}
	tx.objects[k] = obj
	return obj
}

// Object returns the transaction-bound handle for (class, key).
func (tx *WriteTx) Object(class string, key int64) (*Object, error) {
	return tx.binding().object(class, key)
}

// Objects returns every object of class, including uncommitted ones.
func (tx *WriteTx) Objects(class string) (*Results, error) {
	return tx.binding().objects(class)
}

// Query evaluates predicate over class inside the transaction.
func (tx *WriteTx) Query(class, predicate string, args ...value.Value) (*Results, error) {
	return tx.binding().query(class, predicate, args...)
}

// FindByPrimaryKey looks an object up by primary key inside the transaction.
func (tx *WriteTx) FindByPrimaryKey(class string, pk value.Value) (*Object, bool, error) {
	return tx.binding().findByPrimaryKey(class, pk)
}

// FindLatest returns the transaction-bound handle for an object obtained
// elsewhere, or nil if it no longer exists.
func (tx *WriteTx) FindLatest(o *Object) (*Object, error) {
	if !o.Managed() {
		return nil, errors.Unmanaged("find latest")
	}
	if o.b.store != tx.s {
		return nil, errors.InvalidArgument("object belongs to another store", nil)
	}
	t, err := tx.txn()
	if err != nil {
		return nil, err
	}
	_, found, err := t.Get(o.mvccKey())
	if err != nil || !found {
		return nil, err
	}
	return tx.object(o.class, o.key), nil
}

// Create inserts a new object. Properties missing from fields take their
// default value. Objects of embedded classes are created through their
// owner with CreateEmbedded.
func (tx *WriteTx) Create(class string, fields map[string]value.Value) (*Object, error) {
	t, err := tx.txn()
	if err != nil {
		return nil, err
	}
	c, err := tx.s.schema.Lookup(class)
	if err != nil {
		return nil, err
	}
	if c.Embedded {
		return nil, errors.InvalidArgument(
			fmt.Sprintf("'%s' is embedded; create it through its owner", c.Name), nil)
	}
	return tx.create(t, c, fields)
}

func (tx *WriteTx) create(t *mvcc.Txn, c *schema.Class, fields map[string]value.Value) (*Object, error) {
	full, err := tx.prepareFields(t, c, fields)
	if err != nil {
		return nil, err
	}
	if c.PrimaryKey != "" {
		_, exists, err := findPrimaryKey(t, c.Name, c.PrimaryKey, full[c.PrimaryKey])
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, errors.InvalidArgument(
				fmt.Sprintf("an object of '%s' with primary key %s already exists", c.Name, full[c.PrimaryKey]), nil)
		}
	}
	key := t.NewKey(c.Name)
	if err := t.Put(mvcc.NewRecord(mvcc.Key{Class: c.Name, ObjKey: key}, full)); err != nil {
		return nil, err
	}
	return tx.object(c, key), nil
}

// CreateOrUpdate creates an object, or, when an object with the same primary
// key exists, writes the given fields into it.
func (tx *WriteTx) CreateOrUpdate(class string, fields map[string]value.Value) (*Object, error) {
	c, err := tx.s.schema.Lookup(class)
	if err != nil {
		return nil, err
	}
	if c.PrimaryKey == "" {
		return nil, errors.InvalidArgument(fmt.Sprintf("class '%s' has no primary key", class), nil)
	}
	pk, ok := fields[c.PrimaryKey]
	if !ok {
		return tx.Create(class, fields)
	}
	obj, found, err := tx.FindByPrimaryKey(class, pk)
	if err != nil {
		return nil, err
	}
	if !found {
		return tx.Create(class, fields)
	}
	for _, p := range c.FieldNames() {
		v, ok := fields[p]
		if !ok || p == c.PrimaryKey {
			continue
		}
		if err := obj.Put(p, v); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// CopyToStore persists an unmanaged object and returns the managed handle.
// Embedded objects reachable from a detached copy are created under the new
// owner. The unmanaged object itself is left unchanged.
func (tx *WriteTx) CopyToStore(o *Object) (*Object, error) {
	if o.Managed() {
		return nil, errors.InvalidArgument(fmt.Sprintf("%s is already managed", o), nil)
	}
	t, err := tx.txn()
	if err != nil {
		return nil, err
	}
	if o.class.Embedded {
		return nil, errors.InvalidArgument(
			fmt.Sprintf("'%s' is embedded; copy its owner instead", o.class.Name), nil)
	}
	fields, owned := tx.splitOwned(o)
	obj, err := tx.create(t, o.class, fields)
	if err != nil {
		return nil, err
	}
	if err := tx.copyOwned(obj, o, owned); err != nil {
		return nil, err
	}
	return obj, nil
}

func (tx *WriteTx) prepareFields(t *mvcc.Txn, c *schema.Class, fields map[string]value.Value) (map[string]value.Value, error) {
	for name := range fields {
		if _, ok := c.Property(name); !ok {
			// Reports backlinks and unknown names.
			return nil, tx.s.validator.ValidateField(c, name, fields[name])
		}
	}
	full := make(map[string]value.Value, len(c.Properties))
	for i := range c.Properties {
		p := &c.Properties[i]
		v, ok := fields[p.Name]
		if !ok {
			v = p.DefaultValue()
		}
		if err := tx.s.validator.ValidateField(c, p.Name, v); err != nil {
			return nil, err
		}
		if err := tx.checkLinks(t, v); err != nil {
			return nil, err
		}
		full[p.Name] = tx.s.data.Adopt(normalize(p, v))
	}
	return full, nil
}

// setField writes one property of o. The new value gets fresh container
// instances, so handles into the old value stop resolving.
func (tx *WriteTx) setField(t *mvcc.Txn, o *Object, name string, v value.Value) error {
	if err := tx.s.validator.ValidateField(o.class, name, v); err != nil {
		return err
	}
	rec, found, err := t.Get(o.mvccKey())
	if err != nil {
		return err
	}
	if !found {
		return errors.ObjectDeleted(o.class.Name, o.key)
	}
	p, _ := o.class.Property(name)
	if p.Name == o.class.PrimaryKey {
		if cur, ok := rec.Get(name); !ok || !value.Equal(cur, v) {
			return errors.InvalidArgument(fmt.Sprintf("primary key '%s.%s' cannot be changed", o.class.Name, name), nil)
		}
	}
	if tx.s.schema.Owns(p) {
		if cur, ok := rec.Get(name); ok && value.Equal(cur, v) {
			return nil
		}
	}
	if err := tx.checkLinks(t, v); err != nil {
		return err
	}
	next := rec.Clone()
	next.Fields[name] = tx.s.data.Adopt(normalize(p, v))
	return tx.putOwned(t, rec, next)
}

// checkLinks verifies that every object referenced from v exists and is not
// embedded.
func (tx *WriteTx) checkLinks(t *mvcc.Txn, v value.Value) error {
	var firstErr error
	value.Walk(v, func(e value.Value) {
		if firstErr != nil {
			return
		}
		l, err := e.AsLink()
		if err != nil {
			return
		}
		target, err := tx.s.schema.Lookup(l.Class)
		if err != nil {
			firstErr = err
			return
		}
		if target.Embedded {
			firstErr = errors.InvalidArgument(
				fmt.Sprintf("embedded object %s cannot be linked; use CreateEmbedded", l), nil)
			return
		}
		_, found, err := t.Get(mvcc.Key{Class: l.Class, ObjKey: l.Key})
		switch {
		case err != nil:
			firstErr = err
		case !found:
			firstErr = errors.InvalidArgument(fmt.Sprintf("linked object %s does not exist", l), nil)
		}
	})
	return firstErr
}

// Delete removes objects. Links to them from object properties become null
// (to-one and dictionary values) or are removed (lists and sets). Links held
// by any-typed properties become null wherever they are nested.
func (tx *WriteTx) Delete(objs ...*Object) error {
	t, err := tx.txn()
	if err != nil {
		return err
	}
	for _, o := range objs {
		if o == nil {
			continue
		}
		if !o.Managed() {
			return errors.Unmanaged("delete")
		}
		if o.b.store != tx.s {
			return errors.InvalidArgument("object belongs to another store", nil)
		}
		_, found, err := t.Get(o.mvccKey())
		if err != nil {
			return err
		}
		if !found {
			return errors.ObjectDeleted(o.class.Name, o.key)
		}
		if err := tx.deleteKey(t, o.mvccKey()); err != nil {
			return err
		}
	}
	return nil
}

// DeleteResults removes every object matched by r, evaluated inside the
// transaction. It returns the number of deleted objects.
func (tx *WriteTx) DeleteResults(r *Results) (int, error) {
	t, err := tx.txn()
	if err != nil {
		return 0, err
	}
	keys, err := r.keysAt(t)
	if err != nil {
		return 0, err
	}
	seen := make(map[mvcc.Key]struct{}, len(keys))
	deleted := 0
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		// An earlier cascade may already have removed an embedded object.
		_, found, err := t.Get(k)
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		if err := tx.deleteKey(t, k); err != nil {
			return 0, err
		}
		deleted++
	}
	return deleted, nil
}

// DeleteAll removes every object of class.
func (tx *WriteTx) DeleteAll(class string) (int, error) {
	r, err := tx.Objects(class)
	if err != nil {
		return 0, err
	}
	return tx.DeleteResults(r)
}

// deleteKey removes key, clears links to it and deletes the embedded
// objects it owns.
func (tx *WriteTx) deleteKey(t *mvcc.Txn, key mvcc.Key) error {
	for _, ref := range tx.s.schema.LinkingProperties(key.Class) {
		if err := tx.unlink(t, ref, key); err != nil {
			return err
		}
	}
	rec, found, err := t.Get(key)
	if err != nil {
		return err
	}
	if err := t.Delete(key); err != nil {
		return err
	}
	delete(tx.objects, key)
	tx.s.logger.Debug("Object deleted",
		zap.Uint64("txn_id", tx.w.ID()),
		zap.String("key", key.String()))
	if !found {
		return nil
	}
	return tx.deleteOwned(t, tx.owned(rec), nil)
}

func (tx *WriteTx) unlink(t *mvcc.Txn, ref schema.PropertyRef, target mvcc.Key) error {
	c, err := tx.s.schema.Lookup(ref.Class)
	if err != nil {
		return err
	}
	p, _ := c.Property(ref.Property)
	link := value.Object(target.Class, target.ObjKey)

	var updates []*mvcc.Record
	err = t.Scan(ref.Class, func(rec *mvcc.Record) bool {
		v, ok := rec.Get(p.Name)
		if !ok {
			return true
		}
		if nv, changed := withoutLink(p, v, link); changed {
			next := rec.Clone()
			next.Fields[p.Name] = nv
			updates = append(updates, next)
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, rec := range updates {
		if err := t.Put(rec); err != nil {
			return err
		}
	}
	return nil
}

func withoutLink(p *schema.Property, v, link value.Value) (value.Value, bool) {
	if p.Type == schema.TypeAny && p.Collection != schema.CollectionSet {
		return nullLinks(v, link)
	}
	switch p.Collection {
	case schema.CollectionNone:
		if value.Equal(v, link) {
			return value.Null(), true
		}
	case schema.CollectionList, schema.CollectionSet:
		list, err := v.AsList()
		if err != nil {
			return v, false
		}
		out := list.Clone()
		changed := false
		for i := out.Len() - 1; i >= 0; i-- {
			if e, _ := out.At(i); value.Equal(e, link) {
				_, _ = out.RemoveAt(i)
				changed = true
			}
		}
		return value.FromContainer(out), changed
	case schema.CollectionDictionary:
		dict, err := v.AsDictionary()
		if err != nil {
			return v, false
		}
		out := dict.Clone()
		changed := false
		for _, k := range out.Keys() {
			if e, _ := out.Lookup(k); value.Equal(e, link) {
				out.Put(k, value.Null())
				changed = true
			}
		}
		return value.FromContainer(out), changed
	}
	return v, false
}

// nullLinks replaces every occurrence of link in v with null.
func nullLinks(v, link value.Value) (value.Value, bool) {
	target, err := link.AsLink()
	if err != nil {
		return v, false
	}
	return replaceLinks(v, func(l value.Link) (value.Value, bool) {
		if l == target {
			return value.Null(), true
		}
		return value.Value{}, false
	})
}

// replaceLinks rewrites the links inside v for which fn reports a
// replacement. Changed containers are cloned so they keep their instance id.
func replaceLinks(v value.Value, fn func(value.Link) (value.Value, bool)) (value.Value, bool) {
	if l, err := v.AsLink(); err == nil {
		if nv, ok := fn(l); ok {
			return nv, true
		}
		return v, false
	}
	c := v.Container()
	if c == nil {
		return v, false
	}
	var out *value.Container
	if c.IsList() {
		for i, e := range c.Elements() {
			if ne, changed := replaceLinks(e, fn); changed {
				if out == nil {
					out = c.Clone()
				}
				_ = out.SetAt(i, ne)
			}
		}
	} else {
		for _, k := range c.Keys() {
			e, _ := c.Lookup(k)
			if ne, changed := replaceLinks(e, fn); changed {
				if out == nil {
					out = c.Clone()
				}
				out.Put(k, ne)
			}
		}
	}
	if out == nil {
		return v, false
	}
	return value.FromContainer(out), true
}
