// Package txn admits write transactions one at a time, in FIFO order, for
// both blocking and queued writes.
package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/metrics"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/util/workerpool"
)

var tracer = otel.Tracer("livestore.txn")

// Body is the work done inside a write transaction. ctx marks the
// transaction; opening another write with it fails with AlreadyInTransaction.
type Body func(ctx context.Context, w *Write) error

// FinishFunc observes the end of every write: version is 0 unless the write
// committed.
type FinishFunc func(w *Write, version mvcc.VersionID, err error)

// Config holds coordinator configuration
type Config struct {
	// QueueSize bounds the number of queued asynchronous writes.
	QueueSize int
}

// Coordinator serializes write transactions against one store.
type Coordinator struct {
	store   *mvcc.Store
	sem     *semaphore.Weighted
	pool    *workerpool.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	onFinish []FinishFunc
	seq      atomic.Uint64
}

type writingKey struct{}

// New creates a coordinator with its queued-write worker.
func New(store *mvcc.Store, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store: store,
		sem:   semaphore.NewWeighted(1),
		pool: workerpool.New(workerpool.Config{
			Name:    "write-queue",
			Workers: 1,
			Backlog: cfg.QueueSize,
			Logger:  logger,
		}),
		logger:  logger,
		metrics: m,
	}
}

// OnFinish registers fn to run after every write commits or rolls back,
// before the next write is admitted.
func (c *Coordinator) OnFinish(fn FinishFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFinish = append(c.onFinish, fn)
}

// InTransaction reports whether ctx belongs to a write body of c.
func (c *Coordinator) InTransaction(ctx context.Context) bool {
	owner, _ := ctx.Value(writingKey{}).(*Coordinator)
	return owner == c
}

// Write is an admitted write transaction. Exactly one of Commit or Cancel
// ends it and releases admission to the next writer.
type Write struct {
	c     *Coordinator
	id    uint64
	txn   *mvcc.Txn
	ctx   context.Context
	span  trace.Span
	start time.Time
	ended atomic.Bool
}

// Begin waits for admission and opens a write transaction.
func (c *Coordinator) Begin(ctx context.Context) (*Write, error) {
	if c.InTransaction(ctx) {
		return nil, errors.AlreadyInTransaction()
	}
	waitStart := time.Now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	c.metrics.RecordWriteWait(time.Since(waitStart).Seconds())

	id := c.seq.Add(1)
	spanCtx, span := tracer.Start(ctx, "txn.write", trace.WithAttributes(attribute.Int64("txn.id", int64(id))))
	t, err := c.store.Begin()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		c.sem.Release(1)
		return nil, err
	}
	w := &Write{
		c:     c,
		id:    id,
		txn:   t,
		span:  span,
		start: time.Now(),
	}
	w.ctx = context.WithValue(spanCtx, writingKey{}, c)
	return w, nil
}

// ID returns the admission sequence number.
func (w *Write) ID() uint64 { return w.id }

// Txn returns the store transaction.
func (w *Write) Txn() *mvcc.Txn { return w.txn }

// Context returns the context marking this write.
func (w *Write) Context() context.Context { return w.ctx }

// Ended reports whether Commit or Cancel has run.
func (w *Write) Ended() bool { return w.ended.Load() }

// Commit publishes the transaction.
func (w *Write) Commit() (mvcc.VersionID, error) {
	if !w.ended.CompareAndSwap(false, true) {
		return 0, errors.NoTransactionInProgress("commit")
	}
	version, err := w.txn.Commit(w.ctx)
	w.end(version, err)
	return version, err
}

// Cancel discards the transaction.
func (w *Write) Cancel() error {
	if !w.ended.CompareAndSwap(false, true) {
		return errors.NoTransactionInProgress("cancel")
	}
	err := w.txn.Cancel()
	w.end(0, nil)
	return err
}

func (w *Write) end(version mvcc.VersionID, err error) {
	if err != nil {
		w.span.RecordError(err)
		w.span.SetStatus(codes.Error, err.Error())
	} else {
		w.span.SetAttributes(attribute.Int64("txn.version", int64(version)))
		w.span.SetStatus(codes.Ok, "")
	}
	w.span.End()

	w.c.mu.RLock()
	hooks := w.c.onFinish
	w.c.mu.RUnlock()
	for _, fn := range hooks {
		fn(w, version, err)
	}
	w.c.sem.Release(1)
}

// Run executes body in a write transaction and commits it. A body error or
// panic rolls the transaction back; errors come back wrapped in WriteAborted
// and panics are re-raised after the rollback. A body that ends the
// transaction itself commits nothing further.
func (c *Coordinator) Run(ctx context.Context, body Body) (mvcc.VersionID, error) {
	w, err := c.Begin(ctx)
	if err != nil {
		return 0, err
	}
	return c.execute(w, body, true)
}

// Submit queues body behind every earlier queued write and returns a channel
// that receives the outcome. Panics are reported as WriteAborted errors.
func (c *Coordinator) Submit(ctx context.Context, body Body) <-chan error {
	result := make(chan error, 1)
	if c.InTransaction(ctx) {
		// Queued writes run after the current one; drop the marker.
		ctx = context.WithValue(ctx, writingKey{}, nil)
	}
	c.metrics.UpdateWriteQueueDepth(1)
	err := c.pool.Submit(ctx, workerpool.Job{
		Name: fmt.Sprintf("write-%d", c.seq.Load()+1),
		Ctx:  ctx,
		Run: func(ctx context.Context) error {
			c.metrics.UpdateWriteQueueDepth(-1)
			w, err := c.Begin(ctx)
			if err != nil {
				return err
			}
			_, err = c.execute(w, body, false)
			return err
		},
		Done: func(err error) {
			result <- err
			close(result)
		},
	})
	if err != nil {
		c.metrics.UpdateWriteQueueDepth(-1)
		result <- err
		close(result)
	}
	return result
}

func (c *Coordinator) execute(w *Write, body Body, repanic bool) (version mvcc.VersionID, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !w.Ended() {
			_ = w.Cancel()
		}
		c.logger.Warn("Write transaction panicked, rolled back",
			zap.Uint64("txn_id", w.id),
			zap.Any("panic", r))
		if repanic {
			panic(r)
		}
		version, err = 0, errors.WriteAborted(fmt.Errorf("write panicked: %v", r))
	}()

	if berr := body(w.ctx, w); berr != nil {
		if !w.Ended() {
			_ = w.Cancel()
		}
		c.logger.Debug("Write transaction rolled back",
			zap.Uint64("txn_id", w.id),
			zap.Error(berr))
		return 0, errors.WriteAborted(berr)
	}
	if w.Ended() {
		return 0, nil
	}
	return w.Commit()
}

// Close stops the queued-write worker after draining accepted writes.
func (c *Coordinator) Close(timeout time.Duration) error {
	return c.pool.Close(timeout)
}
