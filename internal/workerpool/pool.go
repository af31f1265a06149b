// Package workerpool bounds the number of update actions executing at once.
// The bridge submits every incoming action here instead of spawning a raw
// goroutine, so a burst of queued actions from the agent cannot fan out into
// unbounded concurrency.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/orbiter-labs/otad/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
}

// New creates a pool with workers goroutines and a task queue of queueSize.
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		queue: make(chan Task, queueSize),
		stop:  make(chan struct{}),
	}
	p.accepting.Store(true)

	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a task. Returns false if the pool is shut down or the
// queue is full. The wg.Add happens before enqueue, and accepting is checked
// again after it, so Shutdown either sees the pending count or the submitter
// sees the shutdown.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	if !p.accepting.Load() {
		p.wg.Done()
		return false
	}

	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		log.Warn("action queue full, task rejected")
		return false
	}
}

// Shutdown stops accepting tasks and waits for queued and in-flight tasks to
// finish, respecting the context deadline. The queue channel is never
// closed; workers exit through the stop signal after draining it, so a
// racing Submit can never write to a closed channel.
func (p *Pool) Shutdown(ctx context.Context) {
	p.accepting.Store(false)
	p.stopOnce.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("shutdown timed out with tasks still running")
	}
}

func (p *Pool) worker() {
	for {
		select {
		case task := <-p.queue:
			p.runTask(task)
		case <-p.stop:
			// Drain whatever was queued before the stop.
			for {
				select {
				case task := <-p.queue:
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask pairs the wg.Done with the wg.Add in Submit and keeps a panicking
// action from taking down the whole agent loop.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("action task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
