// Package workerpool runs queued jobs on a fixed set of goroutines. A pool
// with one worker runs jobs strictly in the order they were accepted.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one queued unit of work.
type Job struct {
	Name string
	Ctx  context.Context
	Run  func(context.Context) error
	// Done, when set, is called on the worker with Run's result.
	Done func(error)
}

// PanicError is the result of a job whose Run panicked.
type PanicError struct {
	Job   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job %s panicked: %v", e.Job, e.Value)
}

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("worker pool closed")

// Config holds pool configuration.
type Config struct {
	Name    string
	Workers int
	Backlog int
	Logger  *zap.Logger
}

// Pool is a bounded job queue served by Config.Workers goroutines.
type Pool struct {
	cfg    Config
	jobs   chan Job
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	running   atomic.Int32
	accepted  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	refused   atomic.Uint64
}

// New starts a pool. Zero values default to one worker and a backlog of 100.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	p := &Pool{
		cfg:    cfg,
		jobs:   make(chan Job, cfg.Backlog),
		closed: make(chan struct{}),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.serve()
	}
	cfg.Logger.Debug("Worker pool started",
		zap.String("pool", cfg.Name),
		zap.Int("workers", cfg.Workers),
		zap.Int("backlog", cfg.Backlog))
	return p
}

func (p *Pool) serve() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(job)
		case <-p.closed:
			// Accepted jobs still report a result.
			for {
				select {
				case job := <-p.jobs:
					p.run(job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(job Job) {
	p.running.Add(1)
	defer p.running.Add(-1)

	err := p.call(job)
	if err != nil {
		p.failed.Add(1)
		p.cfg.Logger.Debug("Job failed",
			zap.String("pool", p.cfg.Name),
			zap.String("job", job.Name),
			zap.Error(err))
	} else {
		p.succeeded.Add(1)
	}
	if job.Done != nil {
		job.Done(err)
	}
}

func (p *Pool) call(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Job: job.Name, Value: r}
			p.cfg.Logger.Error("Job panic recovered",
				zap.String("pool", p.cfg.Name),
				zap.String("job", job.Name),
				zap.Any("panic", r))
		}
	}()
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return job.Run(ctx)
}

// Submit enqueues job, blocking while the backlog is full. It fails with
// ErrClosed after Close, or with ctx's error.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.isClosed() {
		p.refused.Add(1)
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		p.accepted.Add(1)
		return nil
	case <-p.closed:
		p.refused.Add(1)
		return ErrClosed
	case <-ctx.Done():
		p.refused.Add(1)
		return ctx.Err()
	}
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Close refuses new jobs, lets the workers finish the backlog and waits up
// to timeout for them.
func (p *Pool) Close(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		idle := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(idle)
		}()
		select {
		case <-idle:
			p.cfg.Logger.Debug("Worker pool closed", zap.String("pool", p.cfg.Name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' still busy after %v", p.cfg.Name, timeout)
			p.cfg.Logger.Warn("Worker pool close timed out", zap.String("pool", p.cfg.Name))
		}
	})
	return err
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name      string
	Workers   int
	Running   int
	Queued    int
	Accepted  uint64
	Succeeded uint64
	Failed    uint64
	Refused   uint64
}

// Stats returns the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.cfg.Name,
		Workers:   p.cfg.Workers,
		Running:   int(p.running.Load()),
		Queued:    len(p.jobs),
		Accepted:  p.accepted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Refused:   p.refused.Load(),
	}
}
