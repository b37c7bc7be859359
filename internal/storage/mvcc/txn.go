package mvcc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/model"
	"github.com/devrev/livestore/internal/storage/memtable"
)

// Txn is an open write transaction. Mutations are buffered and become
// visible to other readers only when Commit publishes them. A Txn is owned by
// one goroutine.
type Txn struct {
	store *Store
	base  VersionID
	buf   *memtable.SkipList[bufferedMutation]
	done  bool
	start time.Time
}

// Begin opens a write transaction based on head. It fails with
// AlreadyInTransaction while another transaction is open.
func (s *Store) Begin() (*Txn, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !s.writing.CompareAndSwap(false, true) {
		return nil, errors.AlreadyInTransaction()
	}
	return &Txn{
		store: s,
		base:  s.Head(),
		buf:   memtable.NewSkipList[bufferedMutation](),
		start: time.Now(),
	}, nil
}

// Version returns the version the transaction reads from.
func (t *Txn) Version() VersionID { return t.base }

// Done reports whether the transaction was committed or cancelled.
func (t *Txn) Done() bool { return t.done }

func (t *Txn) check(op string) error {
	if t.done {
		return errors.NoTransactionInProgress(op)
	}
	return t.store.checkOpen()
}

// Get returns the record for key, including the transaction's own writes.
func (t *Txn) Get(key Key) (*Record, bool, error) {
	if err := t.check("read"); err != nil {
		return nil, false, err
	}
	if m, ok := t.buf.Search(key.encode()); ok {
		return m.rec, m.rec != nil, nil
	}
	return t.store.ReadRecord(t.base, key)
}

// Scan visits the records of class in key order, including buffered writes.
func (t *Txn) Scan(class string, fn func(*Record) bool) error {
	if err := t.check("scan"); err != nil {
		return err
	}
	var buffered []bufferedMutation
	t.buf.Range(classPrefix(class), class+"\x01", func(_ string, m bufferedMutation) bool {
		buffered = append(buffered, m)
		return true
	})

	i := 0
	stopped := false
	emit := func(rec *Record) bool {
		if !fn(rec) {
			stopped = true
			return false
		}
		return true
	}
	err := t.store.Scan(t.base, class, func(rec *Record) bool {
		for i < len(buffered) && buffered[i].key.ObjKey < rec.Key.ObjKey {
			m := buffered[i]
			i++
			if m.rec != nil && !emit(m.rec) {
				return false
			}
		}
		if i < len(buffered) && buffered[i].key.ObjKey == rec.Key.ObjKey {
			m := buffered[i]
			i++
			if m.rec == nil {
				return true
			}
			return emit(m.rec)
		}
		return emit(rec)
	})
	if err != nil || stopped {
		return err
	}
	for ; i < len(buffered); i++ {
		if buffered[i].rec != nil && !emit(buffered[i].rec) {
			return nil
		}
	}
	return nil
}

// NewKey allocates an object key for class.
func (t *Txn) NewKey(class string) int64 {
	t.store.commitMu.Lock()
	tbl := t.store.tableFor(class)
	t.store.commitMu.Unlock()
	return tbl.nextKey.Add(1)
}

// Put buffers rec as the new state of its object. rec must not be modified
// afterwards.
func (t *Txn) Put(rec *Record) error {
	if err := t.check("put"); err != nil {
		return err
	}
	t.buf.Insert(rec.Key.encode(), bufferedMutation{key: rec.Key, rec: rec})
	return nil
}

// Delete buffers the deletion of key.
func (t *Txn) Delete(key Key) error {
	if err := t.check("delete"); err != nil {
		return err
	}
	t.buf.Insert(key.encode(), bufferedMutation{key: key})
	return nil
}

// Pending returns the number of buffered mutations.
func (t *Txn) Pending() int {
	return t.buf.Len()
}

func (t *Txn) finish() {
	t.done = true
	t.buf.Reset()
	t.store.writing.Store(false)
}

// Cancel discards every buffered mutation. No version is published.
func (t *Txn) Cancel() error {
	if t.done {
		return errors.NoTransactionInProgress("cancel")
	}
	t.finish()
	t.store.metrics.RecordRollback("cancel")
	return nil
}

// Commit publishes the buffered mutations as a new version. The commit hook
// runs first; if it fails, or the active version ceiling would be exceeded,
// the transaction is rolled back and nothing is published.
func (t *Txn) Commit(ctx context.Context) (VersionID, error) {
	if t.done {
		return 0, errors.NoTransactionInProgress("commit")
	}
	s := t.store
	if err := s.checkOpen(); err != nil {
		t.finish()
		return 0, err
	}

	s.commitMu.Lock()
	version := s.Head() + 1

	if limit := s.config.MaxActiveVersions; limit > 0 {
		s.pinMu.Lock()
		active := s.activeLocked(version)
		s.pinMu.Unlock()
		if active > limit {
			s.commitMu.Unlock()
			t.finish()
			s.metrics.RecordRollback("too_many_versions")
			return 0, errors.TooManyActiveVersions(active, limit)
		}
	}

	mutations := make([]bufferedMutation, 0, t.buf.Len())
	for it := t.buf.Iterator(); it.Next(); {
		mutations = append(mutations, it.Value())
	}

	if s.commitHook != nil {
		entry := &model.CommitLogEntry{
			Version:   uint64(version),
			Timestamp: time.Now().UnixNano(),
			Mutations: make([]model.Mutation, 0, len(mutations)),
		}
		for _, m := range mutations {
			if m.rec == nil {
				entry.Mutations = append(entry.Mutations, model.Mutation{
					Op: model.OperationTypeDelete, Class: m.key.Class, Key: m.key.ObjKey,
				})
				continue
			}
			entry.Mutations = append(entry.Mutations, model.Mutation{
				Op: model.OperationTypePut, Class: m.key.Class, Key: m.key.ObjKey, Fields: m.rec.Fields,
			})
		}
		if err := s.commitHook(ctx, entry); err != nil {
			s.commitMu.Unlock()
			t.finish()
			s.metrics.RecordRollback("commit_log")
			return 0, errors.CommitLogFailed("failed to log commit", err).
				WithDetail("version", uint64(version))
		}
	}

	touched := make([]Key, 0, len(mutations))
	for _, m := range mutations {
		if s.link(s.tableFor(m.key.Class), m.key, version, m.rec) {
			touched = append(touched, m.key)
		}
	}
	s.changes.Store(version, touched)
	s.head.Store(uint64(version))
	s.commitMu.Unlock()

	t.finish()
	s.metrics.RecordCommit(time.Since(t.start).Seconds(), uint64(version))
	s.logger.Debug("Commit published",
		zap.Uint64("version", uint64(version)),
		zap.Int("mutations", len(touched)))

	s.publish(version)
	s.Reclaim()
	return version, nil
}

type bufferedMutation struct {
	key Key
	rec *Record
}
