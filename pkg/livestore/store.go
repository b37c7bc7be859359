// Package livestore is an embedded object store with snapshot-isolated reads,
// one serialized writer at a time and live change notifications.
//
// Every handle (Object, List, Set, Dictionary, Results, Backlinks) is bound
// to one of three targets: the latest version (live), a pinned version
// (frozen) or an open write transaction. Live handles re-resolve on every
// call; frozen handles always read their version; transaction-bound handles
// read the transaction's own writes and stop working when it ends.
package livestore

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/cache"
	"github.com/devrev/livestore/internal/config"
	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/metrics"
	"github.com/devrev/livestore/internal/model"
	"github.com/devrev/livestore/internal/notifier"
	"github.com/devrev/livestore/internal/query"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/commitlog"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/txn"
	"github.com/devrev/livestore/internal/validation"
	"github.com/devrev/livestore/internal/value"
)

// DefaultCloseTimeout bounds how long Close waits for queued writes.
const DefaultCloseTimeout = 10 * time.Second

// Options configures a store.
type Options struct {
	Name   string
	Schema *schema.Schema

	// MaxActiveVersions caps the number of simultaneously pinned versions;
	// a commit that would exceed it fails with TooManyActiveVersions.
	// Zero disables the check.
	MaxActiveVersions int
	ReclaimInterval   time.Duration
	WriteQueueSize    int

	// NotificationBuffer is the per-subscription event buffer.
	NotificationBuffer int

	CommitLog commitlog.Config
	Cache     cache.Config

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig builds store options from a loaded configuration file.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (Options, error) {
	s, err := cfg.BuildSchema()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Name:               cfg.Name,
		Schema:             s,
		MaxActiveVersions:  cfg.Store.MaxActiveVersions,
		ReclaimInterval:    cfg.Store.ReclaimInterval,
		WriteQueueSize:     cfg.Store.WriteQueueSize,
		NotificationBuffer: cfg.Notifier.BufferSize,
		CommitLog: commitlog.Config{
			Backend:      cfg.CommitLog.Backend,
			Dir:          cfg.CommitLog.Dir,
			SyncWrites:   cfg.CommitLog.SyncWrites,
			SegmentSize:  cfg.CommitLog.SegmentSize,
			MaxDiskUsage: cfg.CommitLog.MaxDiskUsage,
		},
		Cache: cache.Config{
			MaxEntries:      cfg.Cache.MaxEntries,
			FrequencyWeight: cfg.Cache.FrequencyWeight,
			RecencyWeight:   cfg.Cache.RecencyWeight,
			AdaptiveWindow:  cfg.Cache.AdaptiveWindow,
		},
		Logger:  logger,
		Metrics: m,
	}, nil
}

// Store is an open object store.
type Store struct {
	name      string
	schema    *schema.Schema
	data      *mvcc.Store
	log       commitlog.Log
	coord     *txn.Coordinator
	sched     *notifier.Scheduler
	backlinks *cache.BacklinkCache
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics

	closing atomic.Bool
	closed  atomic.Bool
}

// Open creates a store, replaying its commit log first when one is
// configured.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Schema == nil {
		return nil, errors.InvalidArgument("a schema is required", nil)
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("store", opts.Name))

	data := mvcc.New(mvcc.Config{
		MaxActiveVersions: opts.MaxActiveVersions,
		ReclaimInterval:   opts.ReclaimInterval,
	}, logger, opts.Metrics)

	log, err := commitlog.Open(opts.CommitLog, logger, opts.Metrics)
	if err != nil {
		_ = data.Close()
		return nil, err
	}
	replayed := 0
	err = log.Replay(ctx, func(entry *model.CommitLogEntry) error {
		replayed++
		return data.Apply(entry)
	})
	if err != nil {
		_ = log.Close()
		_ = data.Close()
		return nil, errors.CommitLogFailed("failed to replay commit log", err)
	}
	data.SetCommitHook(log.Append)

	s := &Store{
		name:      opts.Name,
		schema:    opts.Schema,
		data:      data,
		log:       log,
		validator: validation.NewValidator(opts.Schema),
		logger:    logger,
		metrics:   opts.Metrics,
	}
	s.backlinks = cache.New(opts.Cache, logger, opts.Metrics)
	s.sched = notifier.New(data, notifier.Config{BufferSize: opts.NotificationBuffer}, logger, opts.Metrics)
	s.sched.OnProcessed(s.dropStaleBacklinks)
	if err := s.sched.Start(); err != nil {
		_ = log.Close()
		_ = data.Close()
		return nil, err
	}
	s.coord = txn.New(data, txn.Config{QueueSize: opts.WriteQueueSize}, logger, opts.Metrics)
	s.coord.OnFinish(s.finishWrite)

	logger.Info("Store opened",
		zap.Uint64("version", uint64(data.Head())),
		zap.Int("replayed_commits", replayed),
		zap.Int("classes", len(opts.Schema.Classes())))
	return s, nil
}

// finishWrite releases the subscriptions registered inside the write.
func (s *Store) finishWrite(w *txn.Write, version mvcc.VersionID, err error) {
	s.sched.ActivateDeferred()
}

// dropStaleBacklinks evicts cached backlink lists no reader can ask for.
func (s *Store) dropStaleBacklinks(processed mvcc.VersionID) {
	floor := processed
	if pins := s.data.PinnedVersions(); len(pins) > 0 && pins[0] < floor {
		floor = pins[0]
	}
	if n := s.backlinks.DropBelow(floor); n > 0 {
		s.logger.Debug("Dropped stale backlink entries",
			zap.Int("entries", n),
			zap.Uint64("floor", uint64(floor)))
	}
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return errors.InvalidatedAccess("store is closed")
	}
	return nil
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Schema returns the schema the store was opened with.
func (s *Store) Schema() *schema.Schema { return s.schema }

// Version returns the latest committed version.
func (s *Store) Version() uint64 { return uint64(s.data.Head()) }

// ProcessedVersion returns the last version whose notifications have been
// dispatched.
func (s *Store) ProcessedVersion() uint64 { return uint64(s.sched.Processed()) }

// NumberOfActiveVersions returns the number of distinct versions kept alive:
// every pinned version plus the head.
func (s *Store) NumberOfActiveVersions() int { return s.data.ActiveVersions() }

// Closed reports whether Close has been called.
func (s *Store) Closed() bool { return s.closed.Load() }

// BacklinkCacheStats reports the backlink cache counters.
func (s *Store) BacklinkCacheStats() cache.Stats { return s.backlinks.Stats() }

// Refresh blocks until notifications for every committed version have been
// dispatched and every registered subscription has received its initial
// event.
func (s *Store) Refresh(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.sched.Sync(ctx)
}

func (s *Store) live() binding { return binding{store: s} }

// Object returns a live handle to the object of class with the given key.
// The handle is returned even if no such object exists; Resolve reports it.
func (s *Store) Object(class string, key int64) (*Object, error) {
	return s.live().object(class, key)
}

// Objects returns every object of class as live results.
func (s *Store) Objects(class string) (*Results, error) {
	return s.live().objects(class)
}

// Query returns the live results of predicate over class.
func (s *Store) Query(class, predicate string, args ...value.Value) (*Results, error) {
	return s.live().query(class, predicate, args...)
}

// FindByPrimaryKey returns a live handle to the object of class whose
// primary key equals pk, if one exists at the latest version.
func (s *Store) FindByPrimaryKey(class string, pk value.Value) (*Object, bool, error) {
	return s.live().findByPrimaryKey(class, pk)
}

// NewUnmanaged returns a detached object of class holding default values.
// It can be filled with Put and persisted with WriteTx.CopyToStore.
func (s *Store) NewUnmanaged(class string) (*Object, error) {
	c, err := s.schema.Lookup(class)
	if err != nil {
		return nil, err
	}
	return newUnmanaged(s.schema, s.validator, c), nil
}

// Freeze pins the latest version and returns a view of it. Call Release
// when done; the view keeps its version alive until then.
func (s *Store) Freeze() (*Frozen, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := s.data.Acquire()
	if err != nil {
		return nil, err
	}
	return &Frozen{store: s, snap: snap}, nil
}

// Write runs fn in a write transaction and commits it, returning the new
// version. An error returned by fn rolls everything back and comes back
// wrapped in WriteAborted. Opening another write with the ctx passed to fn
// fails with AlreadyInTransaction.
func (s *Store) Write(ctx context.Context, fn func(ctx context.Context, tx *WriteTx) error) (uint64, error) {
	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	version, err := s.coord.Run(ctx, func(ctx context.Context, w *txn.Write) error {
		return fn(ctx, s.newWriteTx(w))
	})
	return uint64(version), err
}

// WriteAsync queues fn behind every earlier queued write. The returned
// channel receives the outcome once the write has committed or rolled back.
func (s *Store) WriteAsync(ctx context.Context, fn func(ctx context.Context, tx *WriteTx) error) <-chan error {
	if err := s.checkWritable(); err != nil {
		ch := make(chan error, 1)
		ch <- err
		close(ch)
		return ch
	}
	return s.coord.Submit(ctx, func(ctx context.Context, w *txn.Write) error {
		return fn(ctx, s.newWriteTx(w))
	})
}

// BeginWrite waits for admission and opens a write transaction. The caller
// must end it with Commit or Cancel.
func (s *Store) BeginWrite(ctx context.Context) (*WriteTx, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	w, err := s.coord.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return s.newWriteTx(w), nil
}

func (s *Store) checkWritable() error {
	if s.closing.Load() {
		return errors.InvalidatedAccess("store is closed")
	}
	return nil
}

// Close drains queued writes, cancels every subscription and closes the
// commit log. Every handle derived from the store fails with
// InvalidatedAccess afterwards.
func (s *Store) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := s.coord.Close(DefaultCloseTimeout); err != nil {
		errs = append(errs, err)
	}
	s.closed.Store(true)
	s.sched.Stop()
	if err := s.data.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.log.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("Store closed", zap.Uint64("version", uint64(s.data.Head())))
	return stderrors.Join(errs...)
}

// Frozen is a read-only view pinned at one version.
type Frozen struct {
	store *Store
	snap  *mvcc.Snapshot
}

func (f *Frozen) binding() binding { return binding{store: f.store, frozen: f} }

// Version returns the pinned version.
func (f *Frozen) Version() uint64 { return uint64(f.snap.Version()) }

// Object returns a handle to the object as of the pinned version.
func (f *Frozen) Object(class string, key int64) (*Object, error) {
	return f.binding().object(class, key)
}

// Objects returns every object of class as of the pinned version.
func (f *Frozen) Objects(class string) (*Results, error) {
	return f.binding().objects(class)
}

// Query evaluates predicate over class at the pinned version.
func (f *Frozen) Query(class, predicate string, args ...value.Value) (*Results, error) {
	return f.binding().query(class, predicate, args...)
}

// Release unpins the version. Handles bound to the view fail with
// InvalidatedAccess afterwards.
func (f *Frozen) Release() {
	f.snap.Release()
}

// Released reports whether Release has been called.
func (f *Frozen) Released() bool { return f.snap.Released() }

func (b binding) objects(class string) (*Results, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	q, err := query.All(b.store.schema, class)
	if err != nil {
		return nil, err
	}
	return &Results{b: b, q: q}, nil
}

func (b binding) query(class, predicate string, args ...value.Value) (*Results, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	q, err := query.Compile(b.store.schema, class, predicate, args...)
	if err != nil {
		return nil, err
	}
	return &Results{b: b, q: q}, nil
}
