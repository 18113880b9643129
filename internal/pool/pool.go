// Package pool provides the bounded worker pool that runs workflow
// activations. Starting and resuming a workflow submits a task here
// instead of spawning a goroutine per resume.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pool is closed")
	// ErrFull is returned when the queue is full and all workers are busy.
	ErrFull = errors.New("pool queue is full")
)

// Task is one unit of work, typically a single workflow activation.
type Task func(ctx context.Context) error

// Config sizes the pool.
type Config struct {
	// MaxWorkers bounds concurrent activations across all workflows.
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`
	// QueueSize bounds activations waiting for a worker.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxWorkers: 32, QueueSize: 256}
}

// Pool runs tasks on a bounded set of worker goroutines. Workers are
// spawned lazily up to MaxWorkers and live until Close.
type Pool struct {
	queue       chan Task
	maxWorkers  int
	workerCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64
}

// New creates a pool.
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Pool{
		queue:      make(chan Task, cfg.QueueSize),
		maxWorkers: cfg.MaxWorkers,
	}
}

// Submit enqueues a task without blocking. The caller decides how to
// degrade on ErrFull; losing an activation is never acceptable.
func (p *Pool) Submit(task Task) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		p.ensureWorker()
		return nil
	default:
		p.rejected.Add(1)
		return ErrFull
	}
}

func (p *Pool) ensureWorker() {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	for task := range p.queue {
		if err := p.run(task); err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *Pool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			err = errors.New("task panicked")
		}
	}()
	return task(context.Background())
}

// Close stops accepting tasks and waits for queued tasks to drain.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
