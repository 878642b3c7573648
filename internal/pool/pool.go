package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"runtime/pprof"
	"sync"
)

var (
	// ErrPoolClosed is returned when work is submitted to a shut down pool.
	ErrPoolClosed = errors.New("pool closed")
	// ErrTaskCanceled completes futures whose queued task was dropped by a forced close.
	ErrTaskCanceled = errors.New("task canceled")
	// ErrTaskPanicked completes futures whose task panicked.
	ErrTaskPanicked = errors.New("task panicked")
)

// PanicHandler receives recovered task panics.
// Params: pool name, recovered value, and goroutine stack.
// Returns: none.
type PanicHandler func(pool string, recovered any, stack []byte)

// job is one queued unit of work.
type job struct {
	run  func(context.Context)
	fail func(error)
}

// Pool is a named worker pool with an unbounded FIFO queue.
// Workers start lazily up to core and grow toward max while backlog exceeds idle workers.
type Pool struct {
	name    string
	core    int
	max     int
	logger  *slog.Logger
	onPanic PanicHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []job
	workers  int
	idle     int
	serial   int
	shutdown bool
	closed   bool

	terminated chan struct{}
	termOnce   sync.Once
}

// newPool creates a pool without starting workers.
// Params: name pool key; core and max worker bounds; logger and panic handler.
// Returns: initialized pool.
func newPool(name string, core, max int, logger *slog.Logger, onPanic PanicHandler) *Pool {
	if core < 1 {
		core = 1
	}
	if max < core {
		max = core
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       name,
		core:       core,
		max:        max,
		logger:     logger.With(slog.String("pool", name)),
		onPanic:    onPanic,
		ctx:        ctx,
		cancel:     cancel,
		terminated: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Name returns the registry key of the pool.
func (p *Pool) Name() string { return p.name }

// Core returns the number of workers kept alive while the pool is idle.
func (p *Pool) Core() int { return p.core }

// Max returns the upper bound on concurrently running workers.
func (p *Pool) Max() int { return p.max }

// Submit queues one fire-and-forget task.
// Params: task receives the pool context, canceled on forced close.
// Returns: ErrPoolClosed when the pool no longer accepts work.
func (p *Pool) Submit(task func(context.Context)) error {
	if task == nil {
		return fmt.Errorf("submit to pool %q: nil task", p.name)
	}
	return p.enqueue(job{run: task})
}

// enqueue appends a job and starts a worker when needed.
// Params: j queued job.
// Returns: ErrPoolClosed after shutdown.
func (p *Pool) enqueue(j job) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return fmt.Errorf("submit to pool %q: %w", p.name, ErrPoolClosed)
	}

	p.queue = append(p.queue, j)
	spawn := p.workers < p.core || (len(p.queue) > p.idle && p.workers < p.max)
	if spawn {
		p.workers++
		p.serial++
		go p.work(p.serial)
	} else {
		p.cond.Signal()
	}
	p.mu.Unlock()
	return nil
}

// work runs queued jobs until the pool shuts down or the worker is surplus.
// Params: id worker serial used for the goroutine label.
// Returns: none.
func (p *Pool) work(id int) {
	label := fmt.Sprintf("%s$WorkThread #%d", p.name, id)
	pprof.Do(p.ctx, pprof.Labels("pool", p.name, "worker", label), func(ctx context.Context) {
		for {
			j, ok := p.next()
			if !ok {
				return
			}
			p.runJob(ctx, j)
		}
	})
}

// next blocks for the next job.
// Params: none.
// Returns: job and true, or false when the worker must exit.
func (p *Pool) next() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 {
		if p.shutdown || p.workers > p.core {
			p.exitLocked()
			return job{}, false
		}
		p.idle++
		p.cond.Wait()
		p.idle--
	}

	j := p.queue[0]
	p.queue[0] = job{}
	p.queue = p.queue[1:]
	return j, true
}

// exitLocked removes one worker and marks termination when the last one leaves.
// Params: none; caller holds p.mu.
// Returns: none.
func (p *Pool) exitLocked() {
	p.workers--
	if p.shutdown && p.workers == 0 && len(p.queue) == 0 {
		p.markTerminated()
	}
}

// runJob executes one job with panic recovery.
// Params: ctx worker context; j job to run.
// Returns: none.
func (p *Pool) runJob(ctx context.Context, j job) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		stack := debug.Stack()
		if j.fail != nil {
			j.fail(fmt.Errorf("%w: %v", ErrTaskPanicked, recovered))
		}
		p.logger.Error("pool task panicked", slog.String("error", fmt.Sprint(recovered)))
		if p.onPanic != nil {
			p.onPanic(p.name, recovered, stack)
		}
	}()
	j.run(ctx)
}

// Shutdown stops accepting work while queued jobs drain.
// The closed flag stays untouched; see Close.
// Params: none.
// Returns: none.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdownLocked()
}

// shutdownLocked flips the shutdown state and wakes idle workers.
// Params: none; caller holds p.mu.
// Returns: none.
func (p *Pool) shutdownLocked() {
	if p.shutdown {
		return
	}
	p.shutdown = true
	if p.workers == 0 && len(p.queue) == 0 {
		p.markTerminated()
	}
	p.cond.Broadcast()
}

// Close permanently closes the pool.
// Params: force cancels the pool context and drops queued jobs; otherwise queued jobs drain.
// Returns: none.
func (p *Pool) Close(force bool) {
	p.mu.Lock()
	p.closed = true
	var dropped []job
	if force {
		dropped = p.queue
		p.queue = nil
	}
	p.shutdownLocked()
	p.mu.Unlock()

	if force {
		p.cancel()
		for _, j := range dropped {
			if j.fail != nil {
				j.fail(fmt.Errorf("pool %q: %w", p.name, ErrTaskCanceled))
			}
		}
		if len(dropped) > 0 {
			p.logger.Warn("pool closed with queued tasks dropped", slog.Int("dropped", len(dropped)))
		}
	}
}

// AwaitTermination waits until every worker has exited after shutdown.
// Params: ctx bounds the wait.
// Returns: ctx error on timeout.
func (p *Pool) AwaitTermination(ctx context.Context) error {
	select {
	case <-p.terminated:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await pool %q termination: %w", p.name, ctx.Err())
	}
}

// markTerminated closes the termination channel once.
// Params: none.
// Returns: none.
func (p *Pool) markTerminated() {
	p.termOnce.Do(func() {
		close(p.terminated)
		p.cancel()
	})
}

// IsShutdown reports whether the pool stopped accepting work.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// IsTerminated reports whether the pool is shut down and every worker has exited.
func (p *Pool) IsTerminated() bool {
	select {
	case <-p.terminated:
		return true
	default:
		return false
	}
}

// IsClosed reports the pool's own closed flag.
func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// stale reports whether the registry must replace the pool.
func (p *Pool) stale() bool {
	return p.IsShutdown() || p.IsTerminated() || p.IsClosed()
}

// Stats returns current worker and queue counters.
// Params: none.
// Returns: running workers, idle workers, queued jobs.
func (p *Pool) Stats() (workers, idle, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers, p.idle, len(p.queue)
}
