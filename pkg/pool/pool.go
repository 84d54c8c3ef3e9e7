// Package pool provides the bounded worker pool shared by every batch.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Task is a unit of work run by the pool. The context is cancelled when a
// shutdown runs out of grace and interrupts outstanding work.
type Task func(ctx context.Context)

// job is a queued task with its optional completion callback.
type job struct {
	task Task
	then func()
}

// Config holds worker pool configuration.
type Config struct {
	// CoreWorkers is the number of workers kept alive while idle.
	CoreWorkers int

	// MaxWorkers caps concurrently executing tasks.
	MaxWorkers int

	// QueueSize is the backlog depth for tasks waiting on a free worker.
	// Zero means tasks are only accepted when a worker can take them directly.
	QueueSize int

	// IdleTimeout retires workers above CoreWorkers after this much idle time.
	IdleTimeout time.Duration

	// ShutdownGrace bounds how long Shutdown waits for queued and running tasks.
	ShutdownGrace time.Duration

	// Prestart starts all core workers in New instead of on first submission.
	Prestart bool
}

// DefaultConfig returns the default pool sizing.
func DefaultConfig() Config {
	return Config{
		CoreWorkers:   8,
		MaxWorkers:    40,
		QueueSize:     500,
		IdleTimeout:   60 * time.Second,
		ShutdownGrace: 10 * time.Second,
		Prestart:      true,
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Panicked  int64 `json:"panicked"`
	Dropped   int64 `json:"dropped"`
}

// Pool runs submitted tasks on a bounded set of goroutines with a bounded
// FIFO backlog. Submissions beyond capacity fail immediately.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards workers, outstanding and closed. Sends on queue are reserved
	// under mu and the queue is closed only after reserved sends complete.
	mu      sync.Mutex
	workers int
	closed  bool

	// outstanding counts accepted tasks that have not finished: running,
	// buffered, or being handed to a worker.
	outstanding int

	// handoffs tracks sends on queue made outside mu.
	handoffs sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64
	dropped   atomic.Int64

	shutdownOnce sync.Once
}

// New creates a worker pool. With cfg.Prestart the core workers are running
// when New returns.
func New(cfg Config, logger zerolog.Logger) (*Pool, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 40
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.CoreWorkers < 0 {
		return nil, fmt.Errorf("core workers must be >= 0 (got %d)", cfg.CoreWorkers)
	}
	if cfg.CoreWorkers > cfg.MaxWorkers {
		return nil, fmt.Errorf("core workers (%d) must not exceed max workers (%d)", cfg.CoreWorkers, cfg.MaxWorkers)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("queue size must be >= 0 (got %d)", cfg.QueueSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Prestart {
		p.mu.Lock()
		for i := 0; i < cfg.CoreWorkers; i++ {
			p.spawnLocked(job{})
		}
		p.mu.Unlock()
	}

	p.logger.Info().
		Int("core", cfg.CoreWorkers).
		Int("max", cfg.MaxWorkers).
		Int("queue", cfg.QueueSize).
		Dur("idle_timeout", cfg.IdleTimeout).
		Bool("prestart", cfg.Prestart).
		Msg("Worker pool initialized")

	return p, nil
}

// Submit schedules task for asynchronous execution. It never waits for
// capacity: a task goes to a new core worker, then to a free worker or the
// backlog, then to a new burst worker. When all MaxWorkers are busy and the
// backlog is full it returns a *RejectionError wrapping ErrPoolSaturated.
func (p *Pool) Submit(task Task) error {
	return p.SubmitThen(task, nil)
}

// SubmitThen is Submit with a callback that runs on the worker once task has
// returned and its slot counts as free again, so work submitted from then on
// sees the capacity task held. then also runs when task panics or is dropped
// by a forced shutdown. then must not block.
func (p *Pool) SubmitThen(task Task, then func()) error {
	if task == nil {
		return ErrNilTask
	}
	j := job{task: task, then: then}

	p.mu.Lock()

	if p.closed {
		err := p.rejectLocked(ErrPoolClosed, "closed")
		p.mu.Unlock()
		return err
	}

	if p.workers < p.cfg.CoreWorkers {
		p.acceptLocked()
		p.spawnLocked(j)
		p.mu.Unlock()
		return nil
	}

	if p.outstanding < p.workers+p.cfg.QueueSize {
		p.acceptLocked()
		if p.workers == 0 {
			p.spawnLocked(job{})
		}
		p.handoffs.Add(1)
		p.mu.Unlock()

		// Either a backlog slot is free or a worker is about to poll, so the
		// send only waits for that worker to reach the queue.
		p.queue <- j
		p.handoffs.Done()
		PoolQueued.Set(float64(len(p.queue)))
		return nil
	}

	if p.workers < p.cfg.MaxWorkers {
		p.acceptLocked()
		p.spawnLocked(j)
		p.mu.Unlock()
		return nil
	}

	err := p.rejectLocked(ErrPoolSaturated, "saturated")
	p.mu.Unlock()
	return err
}

func (p *Pool) acceptLocked() {
	p.submitted.Add(1)
	p.outstanding++
}

// execute runs one accepted job, releases its slot and then reports it.
func (p *Pool) execute(j job) {
	p.run(j.task)

	p.mu.Lock()
	p.outstanding--
	p.mu.Unlock()

	if j.then != nil {
		p.notify(j.then)
	}
}

func (p *Pool) notify(then func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			PoolPanics.Inc()
			p.logger.Error().
				Interface("panic", r).
				Msg("Task callback panicked")
		}
	}()
	then()
}

func (p *Pool) rejectLocked(reason error, label string) error {
	p.rejected.Add(1)
	PoolRejections.WithLabelValues(label).Inc()
	return &RejectionError{
		Workers: p.workers,
		Queued:  len(p.queue),
		Err:     reason,
	}
}

func (p *Pool) spawnLocked(first job) {
	p.workers++
	PoolWorkers.Inc()
	p.wg.Add(1)
	go p.worker(first)
}

// worker runs first (if any), then drains the queue until it is closed or the
// worker is retired for idleness.
func (p *Pool) worker(first job) {
	defer p.wg.Done()

	if first.task != nil {
		p.execute(first)
	}

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.mu.Lock()
				p.workers--
				p.mu.Unlock()
				PoolWorkers.Dec()
				return
			}
			PoolQueued.Set(float64(len(p.queue)))
			p.execute(j)
			idle.Reset(p.cfg.IdleTimeout)

		case <-idle.C:
			if p.retire() {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

// retire reports whether an idle worker may exit. Core workers stay, and a
// worker stays while the remaining ones could not take every outstanding task.
func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.workers <= p.cfg.CoreWorkers {
		return false
	}
	if p.workers-1 < p.outstanding {
		return false
	}

	p.workers--
	PoolWorkers.Dec()
	p.logger.Debug().
		Int("workers", p.workers).
		Msg("Idle worker retired")
	return true
}

func (p *Pool) run(task Task) {
	// After a forced shutdown queued tasks are dropped instead of started.
	if p.ctx.Err() != nil {
		p.dropped.Add(1)
		return
	}

	p.active.Add(1)
	PoolActive.Inc()
	defer func() {
		p.active.Add(-1)
		PoolActive.Dec()
		if r := recover(); r != nil {
			p.panicked.Add(1)
			PoolPanics.Inc()
			p.logger.Error().
				Interface("panic", r).
				Msg("Task panicked")
			return
		}
		p.completed.Add(1)
	}()

	task(p.ctx)
}

// Accepting reports whether Submit can still succeed.
func (p *Pool) Accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Shutdown stops accepting tasks and waits up to ShutdownGrace for queued and
// running tasks. When the grace period elapses the pool context is cancelled,
// tasks still queued are dropped, and ErrShutdownForced is returned. Calling
// Shutdown again returns nil.
func (p *Pool) Shutdown() error {
	var err error

	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		// Handoffs reserved before closing land on workers that are still
		// polling, so this wait is short.
		p.handoffs.Wait()

		p.mu.Lock()
		close(p.queue)
		p.mu.Unlock()

		p.logger.Info().
			Int("queued", len(p.queue)).
			Int32("active", p.active.Load()).
			Msg("Shutting down worker pool")

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		grace := time.NewTimer(p.cfg.ShutdownGrace)
		defer grace.Stop()

		select {
		case <-done:
			p.cancel()
			p.logger.Info().Msg("Worker pool drained")
		case <-grace.C:
			p.cancel()
			err = ErrShutdownForced
			p.logger.Error().
				Dur("grace", p.cfg.ShutdownGrace).
				Int32("active", p.active.Load()).
				Int("queued", len(p.queue)).
				Msg("Worker pool grace period elapsed - interrupting remaining tasks")
		}
	})

	return err
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()

	return Stats{
		Workers:   workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
		Dropped:   p.dropped.Load(),
	}
}
