package daemon

import (
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolSaturated is returned by Submit when the task queue is full.
	ErrPoolSaturated = errors.New("worker pool saturated")
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("worker pool closed")
)

// executor runs file tasks. WorkerPool is the production implementation.
type executor interface {
	Submit(task func()) error
}

// WorkerPool runs tasks on between minWorkers and maxWorkers goroutines.
// Workers above the minimum exit after idleTimeout without work.
type WorkerPool struct {
	minWorkers  int
	maxWorkers  int
	idleTimeout time.Duration
	tasks       chan func()

	mu      sync.Mutex
	workers int
	idle    int
	closed  bool

	active atomic.Int64
	wg     sync.WaitGroup

	logger *log.Logger
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Active  int `json:"active"`
	Queued  int `json:"queued"`
}

func NewWorkerPool(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration, logger *log.Logger) *WorkerPool {
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &WorkerPool{
		minWorkers:  minWorkers,
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
		tasks:       make(chan func(), queueSize),
		logger:      logger,
	}
	p.mu.Lock()
	for i := 0; i < minWorkers; i++ {
		p.spawn()
	}
	p.mu.Unlock()
	return p
}

// Submit queues task without blocking.
func (p *WorkerPool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
	default:
		return ErrPoolSaturated
	}
	if p.workers < p.maxWorkers && len(p.tasks) > p.idle {
		p.spawn()
	}
	return nil
}

// spawn starts one worker. Caller holds p.mu.
func (p *WorkerPool) spawn() {
	p.workers++
	p.wg.Add(1)
	go p.worker()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	var idle <-chan time.Time
	var timer *time.Timer
	if p.idleTimeout > 0 {
		timer = time.NewTimer(p.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		p.mu.Lock()
		p.idle++
		p.mu.Unlock()

		select {
		case task, ok := <-p.tasks:
			p.mu.Lock()
			p.idle--
			if !ok {
				p.workers--
				p.mu.Unlock()
				return
			}
			// Submit may have counted this worker as idle.
			if p.workers < p.maxWorkers && len(p.tasks) > p.idle {
				p.spawn()
			}
			p.mu.Unlock()
			p.run(task)
		case <-idle:
			p.mu.Lock()
			p.idle--
			if p.workers > p.minWorkers {
				p.workers--
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		}
		if timer != nil {
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(task func()) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("%s ERROR pool: panic in task: %v\n%s", time.Now().Format(time.RFC3339), r, debug.Stack())
		}
	}()
	task()
}

// Stats reports the current worker and queue counts.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Workers: p.workers,
		Idle:    p.idle,
		Active:  int(p.active.Load()),
		Queued:  len(p.tasks),
	}
}

// Shutdown stops accepting tasks and waits up to timeout for queued and
// running tasks to finish. It reports whether the pool drained in time.
func (p *WorkerPool) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		n := p.workers
		p.mu.Unlock()
		if n == 0 {
			p.wg.Wait()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}
