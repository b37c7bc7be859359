package livestore

import (
	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/value"
)

// binding is what a handle resolves against. A zero store means the handle
// is unmanaged; otherwise at most one of frozen and write is set, and
// neither means live.
type binding struct {
	store  *Store
	frozen *Frozen
	write  *WriteTx
}

func (b binding) managed() bool { return b.store != nil }

func (b binding) isLive() bool { return b.frozen == nil && b.write == nil }

func (b binding) check() error {
	if err := b.store.checkOpen(); err != nil {
		return err
	}
	switch {
	case b.write != nil:
		if b.write.w.Ended() {
			return errors.InvalidatedAccess("write transaction has ended")
		}
	case b.frozen != nil:
		if b.frozen.Released() {
			return errors.InvalidatedAccess("frozen view has been released")
		}
	}
	return nil
}

// reader returns the reader for one resolution. Live reads pin the head for
// the duration of the call; release must always be called.
func (b binding) reader() (mvcc.Reader, func(), error) {
	if err := b.check(); err != nil {
		return nil, nil, err
	}
	switch {
	case b.write != nil:
		return b.write.w.Txn(), func() {}, nil
	case b.frozen != nil:
		return b.frozen.snap, func() {}, nil
	}
	snap, err := b.store.data.Acquire()
	if err != nil {
		return nil, nil, err
	}
	return snap, snap.Release, nil
}

// txn returns the write transaction for a mutation made through a handle.
func (b binding) txn(op string) (*WriteTx, *mvcc.Txn, error) {
	if b.write == nil {
		return nil, nil, errors.NoTransactionInProgress(op)
	}
	if err := b.check(); err != nil {
		return nil, nil, err
	}
	return b.write, b.write.w.Txn(), nil
}

// freeze returns a binding pinned at the version a live handle would read
// now.
func (b binding) freeze() (binding, error) {
	switch {
	case b.frozen != nil:
		return b, b.check()
	case b.write != nil:
		return binding{}, errors.InvalidArgument("cannot freeze a handle bound to a write transaction", nil)
	}
	f, err := b.store.Freeze()
	if err != nil {
		return binding{}, err
	}
	return f.binding(), nil
}

func (b binding) release() {
	if b.frozen != nil {
		b.frozen.Release()
	}
}

// object returns the handle for (class, key) under this binding. Inside a
// write transaction the same identity always yields the same *Object.
func (b binding) object(class string, key int64) (*Object, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	c, err := b.store.schema.Lookup(class)
	if err != nil {
		return nil, err
	}
	if b.write != nil {
		return b.write.object(c, key), nil
	}
	return &Object{b: b, class: c, key: key}, nil
}

func (b binding) link(v value.Value) (*Object, error) {
	if v.IsNull() {
		return nil, nil
	}
	l, err := v.AsLink()
	if err != nil {
		return nil, err
	}
	return b.object(l.Class, l.Key)
}

func (b binding) findByPrimaryKey(class string, pk value.Value) (*Object, bool, error) {
	c, err := b.store.schema.Lookup(class)
	if err != nil {
		return nil, false, err
	}
	if c.PrimaryKey == "" {
		return nil, false, errors.InvalidArgument("class '"+class+"' has no primary key", nil)
	}
	r, release, err := b.reader()
	if err != nil {
		return nil, false, err
	}
	defer release()
	key, found, err := findPrimaryKey(r, c.Name, c.PrimaryKey, pk)
	if err != nil || !found {
		return nil, false, err
	}
	obj, err := b.object(c.Name, key.ObjKey)
	return obj, err == nil, err
}

func findPrimaryKey(r mvcc.Reader, class, field string, pk value.Value) (mvcc.Key, bool, error) {
	var (
		out   mvcc.Key
		found bool
	)
	err := r.Scan(class, func(rec *mvcc.Record) bool {
		if v, ok := rec.Get(field); ok && value.Equal(v, pk) {
			out, found = rec.Key, true
			return false
		}
		return true
	})
	return out, found, err
}
