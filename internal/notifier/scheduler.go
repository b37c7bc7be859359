package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/metrics"
	"github.com/devrev/livestore/internal/storage/mvcc"
)

// DefaultBufferSize is the per-subscription event buffer.
const DefaultBufferSize = 64

// Config holds scheduler configuration
type Config struct {
	BufferSize int
}

// Step is one evaluation of a subscription. Prev is nil for the initial
// evaluation; otherwise Cur is the version right after Prev.
type Step struct {
	Prev    mvcc.Reader
	Cur     mvcc.Reader
	Touched map[mvcc.Key]struct{}
}

// Initial reports whether this is the first evaluation of the subscription.
func (s Step) Initial() bool { return s.Prev == nil }

// Touches reports whether the commit that produced Cur wrote key. When the
// touched set is unknown every key counts as touched.
func (s Step) Touches(key mvcc.Key) bool {
	if s.Touched == nil {
		return true
	}
	_, ok := s.Touched[key]
	return ok
}

// TouchesClass reports whether the commit wrote any object of class.
func (s Step) TouchesClass(class string) bool {
	if s.Touched == nil {
		return true
	}
	for k := range s.Touched {
		if k.Class == class {
			return true
		}
	}
	return false
}

// ComputeFunc evaluates a step. emit=false means there is nothing to deliver;
// a non-nil error cancels the subscription with that error.
type ComputeFunc[E any] func(step Step) (ev E, kind Kind, emit bool, err error)

type job interface {
	run(step Step)
	done() bool
	stop(err error)
}

type subJob[E any] struct {
	sub     *Subscription[E]
	compute ComputeFunc[E]
	sched   *Scheduler
}

func (j *subJob[E]) run(step Step) {
	if j.sub.Done() {
		return
	}
	ev, kind, emit, err := j.compute(step)
	if err != nil {
		j.sched.logger.Warn("Subscription failed",
			zap.String("subscription", j.sub.String()),
			zap.Error(err))
		j.sub.close(StateCancelled, err)
		return
	}
	if !emit {
		return
	}
	delivered, overflow := j.sub.deliver(ev, kind)
	if overflow {
		j.sched.metrics.RecordOverflow()
		j.sched.logger.Warn("Subscriber cannot keep up, cancelling",
			zap.String("subscription", j.sub.String()),
			zap.Int("buffer", j.sub.buffer))
	}
	if delivered {
		j.sched.metrics.RecordNotification(kind.String())
	}
}

func (j *subJob[E]) done() bool { return j.sub.Done() }

func (j *subJob[E]) stop(err error) { j.sub.close(StateCancelled, err) }

// Scheduler is the per-store dispatch loop. It processes every committed
// version in order: the version is pinned, every active subscription is
// evaluated in registration order, then the previous version is released.
type Scheduler struct {
	store   *mvcc.Store
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	jobs     []job
	fresh    []job
	deferred []job
	nextID   uint64
	progress chan struct{}
	hooks    []func(mvcc.VersionID)

	// last is owned by the dispatch goroutine.
	last      *mvcc.Snapshot
	processed atomic.Uint64

	wake     chan struct{}
	stopCh   chan struct{}
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler for store.
func New(store *mvcc.Store, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		config:   cfg,
		logger:   logger,
		metrics:  m,
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start pins head as the last processed version, hooks into publication and
// starts the dispatch goroutine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	snap, err := s.store.AcquireInternal()
	if err != nil {
		return err
	}
	s.last = snap
	s.processed.Store(uint64(snap.Version()))
	s.started = true
	s.store.OnPublish(func(mvcc.VersionID) { s.Notify() })

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("Notification scheduler started", zap.Uint64("version", uint64(snap.Version())))
	return nil
}

// OnProcessed registers fn to run on the dispatch goroutine after each
// version has been processed.
func (s *Scheduler) OnProcessed(fn func(mvcc.VersionID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Notify wakes the dispatch loop. Wakes coalesce.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Processed returns the last version whose notifications were dispatched.
func (s *Scheduler) Processed() mvcc.VersionID {
	return mvcc.VersionID(s.processed.Load())
}

// Register adds a subscription. A deferred subscription stays Pending until
// ActivateDeferred is called; the others receive their initial event on the
// next pass of the dispatch loop.
func Register[E any](s *Scheduler, name string, deferred bool, compute ComputeFunc[E]) (*Subscription[E], error) {
	s.mu.Lock()
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return nil, errors.InvalidatedAccess("store is closed")
	default:
	}
	s.nextID++
	sub := newSubscription[E](s.nextID, name, s.config.BufferSize)
	j := &subJob[E]{sub: sub, compute: compute, sched: s}
	if deferred {
		s.deferred = append(s.deferred, j)
	} else {
		s.fresh = append(s.fresh, j)
	}
	s.mu.Unlock()

	s.metrics.UpdateSubscriptions(1)
	s.logger.Debug("Subscription registered",
		zap.String("subscription", sub.String()),
		zap.Bool("deferred", deferred))
	if !deferred {
		s.Notify()
	}
	return sub, nil
}

// ActivateDeferred releases the subscriptions registered while a write
// transaction was open.
func (s *Scheduler) ActivateDeferred() {
	s.mu.Lock()
	n := len(s.deferred)
	s.fresh = append(s.fresh, s.deferred...)
	s.deferred = nil
	s.mu.Unlock()
	if n > 0 {
		s.Notify()
	}
}

// Sync blocks until every committed version has been dispatched and every
// active registration has received its initial evaluation.
func (s *Scheduler) Sync(ctx context.Context) error {
	for {
		if s.stopping() {
			return errors.InvalidatedAccess("store is closed")
		}
		s.mu.Lock()
		caughtUp := s.Processed() >= s.store.Head() && len(s.fresh) == 0
		progress := s.progress
		s.mu.Unlock()
		if caughtUp {
			return nil
		}
		s.Notify()
		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return errors.InvalidatedAccess("store is closed")
		}
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
			s.process()
		}
	}
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) process() {
	start := time.Now()
	head := s.store.Head()
	for v := s.last.Version() + 1; v <= head; v++ {
		if s.stopping() {
			return
		}
		snap, err := s.store.AcquireInternalAt(v)
		if err != nil {
			s.logger.Error("Failed to pin version for dispatch",
				zap.Uint64("version", uint64(v)),
				zap.Error(err))
			return
		}
		keys, known := s.store.Changes(v)
		if !known || len(keys) > 0 {
			step := Step{Prev: s.last, Cur: snap}
			if known {
				step.Touched = make(map[mvcc.Key]struct{}, len(keys))
				for _, k := range keys {
					step.Touched[k] = struct{}{}
				}
			}
			for _, j := range s.activeJobs() {
				j.run(step)
			}
		}
		prev := s.last
		s.last = snap
		prev.Release()
		s.processed.Store(uint64(v))
		for _, fn := range s.processedHooks() {
			fn(v)
		}
		s.logger.Debug("Dispatched version", zap.Uint64("version", uint64(v)))
	}

	s.mu.Lock()
	fresh := append([]job(nil), s.fresh...)
	s.mu.Unlock()
	for _, j := range fresh {
		j.run(Step{Cur: s.last})
	}

	s.mu.Lock()
	s.fresh = s.fresh[len(fresh):]
	s.jobs = append(s.jobs, fresh...)
	s.pruneLocked()
	close(s.progress)
	s.progress = make(chan struct{})
	s.mu.Unlock()

	s.metrics.RecordDispatch(time.Since(start).Seconds())
}

func (s *Scheduler) activeJobs() []job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]job(nil), s.jobs...)
}

func (s *Scheduler) processedHooks() []func(mvcc.VersionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hooks
}

func (s *Scheduler) pruneLocked() {
	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if j.done() {
			s.metrics.UpdateSubscriptions(-1)
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(s.jobs); i++ {
		s.jobs[i] = nil
	}
	s.jobs = kept
}

// Stop ends the dispatch loop, cancels every subscription with
// InvalidatedAccess and releases the pinned version.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.stopCh)
		s.mu.Unlock()
		s.wg.Wait()

		s.mu.Lock()
		all := append(append(append([]job(nil), s.jobs...), s.fresh...), s.deferred...)
		s.jobs, s.fresh, s.deferred = nil, nil, nil
		s.mu.Unlock()
		for _, j := range all {
			if !j.done() {
				j.stop(errors.InvalidatedAccess("store is closed"))
			}
			s.metrics.UpdateSubscriptions(-1)
		}
		if s.last != nil {
			s.last.Release()
		}
		s.logger.Info("Notification scheduler stopped", zap.Uint64("version", s.processed.Load()))
	})
}
