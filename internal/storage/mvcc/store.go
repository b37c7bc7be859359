// Package mvcc implements the versioned object store: per-object version
// chains, an append-only sequence of immutable snapshots, a pin table that
// keeps old snapshots readable and the maintenance pass that reclaims what no
// reader can see any more.
//
// Readers never lock: chains are reached through lock-free skip maps and each
// chain entry is immutable once linked. The pin table is the only shared
// mutable structure and is guarded by a mutex. Writes go through Txn; the
// store admits one open transaction at a time and relies on its caller for
// queueing.
package mvcc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/metrics"
	"github.com/devrev/livestore/internal/model"
	"github.com/devrev/livestore/internal/value"
)

// Config holds versioned store configuration
type Config struct {
	// MaxActiveVersions caps |reader-pinned versions ∪ {head}|; 0 disables
	// the check. Internal pins do not count.
	MaxActiveVersions int
	// ReclaimInterval is the period of the background maintenance pass; 0
	// disables the background loop (commits still reclaim).
	ReclaimInterval time.Duration
}

// CommitHook runs before a version is published. A failing hook aborts the
// commit.
type CommitHook func(ctx context.Context, entry *model.CommitLogEntry) error

// entry is one link of a version chain, newest first.
type entry struct {
	version VersionID
	record  *Record // nil marks a deletion
	next    atomic.Pointer[entry]
}

type chain struct {
	head atomic.Pointer[entry]
}

type table struct {
	chains  *skipmap.FuncMap[int64, *chain]
	nextKey atomic.Int64
}

func newTable() *table {
	return &table{
		chains: skipmap.NewFunc[int64, *chain](func(a, b int64) bool {
			return a < b
		}),
	}
}

// Store is the versioned object store
type Store struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	tables  *skipmap.FuncMap[string, *table]
	changes *skipmap.FuncMap[VersionID, []Key]
	head    atomic.Uint64
	floor   atomic.Uint64
	closed  atomic.Bool
	writing atomic.Bool
	nextID  atomic.Uint64

	pinMu sync.Mutex
	pins  map[VersionID]int
	// internal counts the subset of pins held by the store's own machinery.
	internal map[VersionID]int

	// commitMu serializes publishing with reclamation.
	commitMu sync.Mutex
	// history holds keys whose chain has more than one entry.
	history map[Key]struct{}

	commitHook CommitHook
	publishMu  sync.RWMutex
	onPublish  []func(VersionID)

	reclaimer *Reclaimer
}

// New creates an empty store at version 0.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		config:  cfg,
		logger:  logger,
		metrics: m,
		tables: skipmap.NewFunc[string, *table](func(a, b string) bool {
			return a < b
		}),
		changes: skipmap.NewFunc[VersionID, []Key](func(a, b VersionID) bool {
			return a < b
		}),
		pins:     make(map[VersionID]int),
		internal: make(map[VersionID]int),
		history:  make(map[Key]struct{}),
	}
	if cfg.ReclaimInterval > 0 {
		s.reclaimer = NewReclaimer(s, cfg.ReclaimInterval, logger)
		s.reclaimer.Start()
	}
	return s
}

// SetCommitHook installs the hook that makes a commit durable.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.commitHook = hook
}

// OnPublish registers fn to be called after every published version.
func (s *Store) OnPublish(fn func(VersionID)) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.onPublish = append(s.onPublish, fn)
}

// Head returns the latest published version.
func (s *Store) Head() VersionID {
	return VersionID(s.head.Load())
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	return s.closed.Load()
}

// NextInstanceID allocates a store-unique container instance id.
func (s *Store) NextInstanceID() uint64 {
	return s.nextID.Add(1)
}

// Adopt assigns fresh instance ids to every container nested in v.
func (s *Store) Adopt(v value.Value) value.Value {
	return value.Adopt(v, s.NextInstanceID)
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return errors.InvalidatedAccess("store is closed")
	}
	return nil
}

func (s *Store) checkReadable(version VersionID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if version > s.Head() {
		return errors.InvalidArgument("version is newer than head", nil).
			WithDetail("version", uint64(version))
	}
	if uint64(version) < s.floor.Load() {
		return errors.InvalidatedAccess("version has been reclaimed").
			WithDetail("version", uint64(version))
	}
	return nil
}

// ReadRecord returns the record visible at version.
func (s *Store) ReadRecord(version VersionID, key Key) (*Record, bool, error) {
	if err := s.checkReadable(version); err != nil {
		return nil, false, err
	}
	t, ok := s.tables.Load(key.Class)
	if !ok {
		return nil, false, nil
	}
	c, ok := t.chains.Load(key.ObjKey)
	if !ok {
		return nil, false, nil
	}
	e := visible(c, version)
	if e == nil || e.record == nil {
		return nil, false, nil
	}
	return e.record, true, nil
}

func visible(c *chain, version VersionID) *entry {
	e := c.head.Load()
	for e != nil && e.version > version {
		e = e.next.Load()
	}
	return e
}

// Scan visits the records of class visible at version in key order.
func (s *Store) Scan(version VersionID, class string, fn func(*Record) bool) error {
	if err := s.checkReadable(version); err != nil {
		return err
	}
	t, ok := s.tables.Load(class)
	if !ok {
		return nil
	}
	t.chains.Range(func(_ int64, c *chain) bool {
		e := visible(c, version)
		if e == nil || e.record == nil {
			return true
		}
		return fn(e.record)
	})
	return nil
}

// At returns an unpinned reader at version. Use Acquire or Pin to keep the
// version from being reclaimed while reading.
func (s *Store) At(version VersionID) Reader {
	return &view{store: s, version: version}
}

// Changes returns the keys touched by the commit that produced version.
func (s *Store) Changes(version VersionID) ([]Key, bool) {
	return s.changes.Load(version)
}

// Pin increments the reference count of version.
func (s *Store) Pin(version VersionID) error {
	return s.pin(version, false)
}

func (s *Store) pin(version VersionID, internal bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	if version > s.Head() {
		return errors.InvalidArgument("cannot pin a version newer than head", nil).
			WithDetail("version", uint64(version))
	}
	if uint64(version) < s.floor.Load() {
		return errors.InvalidatedAccess("version has been reclaimed").
			WithDetail("version", uint64(version))
	}
	s.pins[version]++
	if internal {
		s.internal[version]++
	}
	s.metrics.UpdateActiveVersions(s.activeLocked(s.Head()))
	return nil
}

// Unpin decrements the reference count of version. Unpinning a version that
// is not pinned is a usage error.
func (s *Store) Unpin(version VersionID) error {
	return s.unpin(version, false)
}

func (s *Store) unpin(version VersionID, internal bool) error {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	n, ok := s.pins[version]
	if !ok || (internal && s.internal[version] == 0) {
		return errors.InvalidArgument("version is not pinned", nil).
			WithDetail("version", uint64(version))
	}
	decrement(s.pins, version, n)
	if internal {
		decrement(s.internal, version, s.internal[version])
	}
	s.metrics.UpdateActiveVersions(s.activeLocked(s.Head()))
	return nil
}

func decrement(m map[VersionID]int, version VersionID, n int) {
	if n <= 1 {
		delete(m, version)
	} else {
		m[version] = n - 1
	}
}

// Acquire pins head and returns a snapshot reader for it.
func (s *Store) Acquire() (*Snapshot, error) {
	return s.acquireHead(false)
}

// AcquireInternal is Acquire for the store's own readers, such as the
// notification dispatcher. The pin keeps the version from being reclaimed but
// does not count against MaxActiveVersions.
func (s *Store) AcquireInternal() (*Snapshot, error) {
	return s.acquireHead(true)
}

func (s *Store) acquireHead(internal bool) (*Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.pinMu.Lock()
	version := s.Head()
	s.pins[version]++
	if internal {
		s.internal[version]++
	}
	s.metrics.UpdateActiveVersions(s.activeLocked(version))
	s.pinMu.Unlock()
	return &Snapshot{view: view{store: s, version: version}, internal: internal}, nil
}

// AcquireAt pins version and returns a snapshot reader for it.
func (s *Store) AcquireAt(version VersionID) (*Snapshot, error) {
	if err := s.Pin(version); err != nil {
		return nil, err
	}
	return &Snapshot{view: view{store: s, version: version}}, nil
}

// AcquireInternalAt is AcquireAt with an internal pin.
func (s *Store) AcquireInternalAt(version VersionID) (*Snapshot, error) {
	if err := s.pin(version, true); err != nil {
		return nil, err
	}
	return &Snapshot{view: view{store: s, version: version}, internal: true}, nil
}

// ActiveVersions returns |reader-pinned ∪ {head}|.
func (s *Store) ActiveVersions() int {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	return s.activeLocked(s.Head())
}

func (s *Store) activeLocked(head VersionID) int {
	n := 0
	counted := false
	for v, c := range s.pins {
		if c > s.internal[v] {
			n++
			if v == head {
				counted = true
			}
		}
	}
	if !counted {
		n++
	}
	return n
}

// PinnedVersions returns the pinned versions in ascending order.
func (s *Store) PinnedVersions() []VersionID {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	out := make([]VersionID, 0, len(s.pins))
	for v := range s.pins {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops the maintenance loop. Every later read fails with
// InvalidatedAccess.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.reclaimer != nil {
		s.reclaimer.Stop()
	}
	s.logger.Info("Versioned store closed", zap.Uint64("head", s.head.Load()))
	return nil
}

// Apply publishes a logged commit during replay. The entry version must be
// newer than head; object key counters advance past replayed keys.
func (s *Store) Apply(entry *model.CommitLogEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	version := VersionID(entry.Version)
	if version <= s.Head() {
		return errors.CorruptedData("commit log entry is not newer than head", nil).
			WithDetail("version", entry.Version).
			WithDetail("head", s.head.Load())
	}
	touched := make([]Key, 0, len(entry.Mutations))
	for _, m := range entry.Mutations {
		key := Key{Class: m.Class, ObjKey: m.Key}
		var rec *Record
		if m.Op == model.OperationTypePut {
			fields := make(map[string]value.Value, len(m.Fields))
			for name, v := range m.Fields {
				fields[name] = s.Adopt(v)
			}
			rec = NewRecord(key, fields)
		}
		t := s.tableFor(key.Class)
		for {
			next := t.nextKey.Load()
			if key.ObjKey <= next || t.nextKey.CompareAndSwap(next, key.ObjKey) {
				break
			}
		}
		if s.link(t, key, version, rec) {
			touched = append(touched, key)
		}
	}
	s.changes.Store(version, touched)
	s.head.Store(uint64(version))
	return nil
}

func (s *Store) tableFor(class string) *table {
	t, ok := s.tables.Load(class)
	if !ok {
		t = newTable()
		s.tables.Store(class, t)
	}
	return t
}

// link pushes a new chain entry. It reports false for deletions of objects
// that never existed. Callers hold commitMu.
func (s *Store) link(t *table, key Key, version VersionID, rec *Record) bool {
	c, ok := t.chains.Load(key.ObjKey)
	if !ok {
		if rec == nil {
			return false
		}
		c = &chain{}
		e := &entry{version: version, record: rec}
		c.head.Store(e)
		t.chains.Store(key.ObjKey, c)
		return true
	}
	prev := c.head.Load()
	if rec == nil && (prev == nil || prev.record == nil) {
		return false
	}
	e := &entry{version: version, record: rec}
	e.next.Store(prev)
	c.head.Store(e)
	s.history[key] = struct{}{}
	return true
}

func (s *Store) publish(version VersionID) {
	s.publishMu.RLock()
	hooks := s.onPublish
	s.publishMu.RUnlock()
	for _, fn := range hooks {
		fn(version)
	}
}

// view is an unpinned Reader.
type view struct {
	store   *Store
	version VersionID
}

func (v *view) Version() VersionID { return v.version }

func (v *view) Get(key Key) (*Record, bool, error) {
	return v.store.ReadRecord(v.version, key)
}

func (v *view) Scan(class string, fn func(*Record) bool) error {
	return v.store.Scan(v.version, class, fn)
}

// Snapshot is a pinned Reader. Release unpins it; later reads fail with
// InvalidatedAccess.
type Snapshot struct {
	view
	internal bool
	released atomic.Bool
}

func (s *Snapshot) Get(key Key) (*Record, bool, error) {
	if s.released.Load() {
		return nil, false, errors.InvalidatedAccess("snapshot has been released")
	}
	return s.view.Get(key)
}

func (s *Snapshot) Scan(class string, fn func(*Record) bool) error {
	if s.released.Load() {
		return errors.InvalidatedAccess("snapshot has been released")
	}
	return s.view.Scan(class, fn)
}

// Released reports whether Release has been called.
func (s *Snapshot) Released() bool {
	return s.released.Load()
}

// Release unpins the snapshot. Only the first call has an effect.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		_ = s.store.unpin(s.version, s.internal)
	}
}
