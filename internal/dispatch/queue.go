package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Queue runs tasks serially in issue order. The backlog is unbounded, so
// Issue never blocks.
type Queue struct {
	mu      sync.Mutex
	backlog []queued
	running bool
	stopped bool
	signal  chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	panicHandler PanicHandler
	errorHandler func(err error)

	issued    atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	totalNs   atomic.Int64
}

type queued struct {
	task   Task
	result chan error
}

// Option configures a Queue.
type Option func(*Queue)

// WithPanicHandler sets the handler for task panics.
func WithPanicHandler(h PanicHandler) Option {
	return func(q *Queue) {
		q.panicHandler = h
	}
}

// WithErrorHandler sets the sink for errors returned by tasks issued without
// a waiter.
func WithErrorHandler(h func(err error)) Option {
	return func(q *Queue) {
		q.errorHandler = h
	}
}

// NewQueue creates a stopped queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start starts the worker. A queue can be started once.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running || q.stopped {
		return ErrAlreadyRunning
	}
	q.running = true
	q.ctx, q.cancel = context.WithCancel(context.Background())

	go q.worker()
	return nil
}

// Stop refuses new tasks, then waits for the backlog to drain or ctx to end.
// When ctx ends first, the context passed to remaining tasks is cancelled.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrNotRunning
	}
	q.running = false
	q.stopped = true
	q.mu.Unlock()

	q.wake()

	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}

// IsRunning reports whether the queue accepts tasks.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Issue appends a task to the backlog without waiting for it. Errors returned
// by the task go to the error handler.
func (q *Queue) Issue(task Task) error {
	return q.enqueue(queued{task: task})
}

// Do issues a task and waits for its result. If ctx ends first the task
// still runs; only the wait is abandoned.
func (q *Queue) Do(ctx context.Context, task Task) error {
	result := make(chan error, 1)
	if err := q.enqueue(queued{task: task, result: result}); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is Do for components that may outlive their queue. A nil queue, or one
// that was never started or has stopped and drained, runs the task on the
// caller's goroutine.
func (q *Queue) Run(ctx context.Context, task Task) error {
	if q == nil {
		return task(ctx)
	}
	err := q.Do(ctx, task)
	if errors.Is(err, ErrNotRunning) && q.idle() {
		return execute(ctx, task, q.panicHandler).Err
	}
	return err
}

// idle reports whether no worker can be running tasks.
func (q *Queue) idle() bool {
	q.mu.Lock()
	started := q.running || q.stopped
	q.mu.Unlock()
	if !started {
		return true
	}
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Flush waits until every task issued before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	return q.Do(ctx, func(context.Context) error { return nil })
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

func (q *Queue) enqueue(item queued) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrNotRunning
	}
	q.backlog = append(q.backlog, item)
	q.mu.Unlock()

	q.issued.Add(1)
	q.wake()
	return nil
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) worker() {
	defer close(q.done)

	for {
		q.mu.Lock()
		batch := q.backlog
		q.backlog = nil
		exit := q.stopped && len(batch) == 0
		q.mu.Unlock()

		if exit {
			return
		}
		if len(batch) == 0 {
			<-q.signal
			continue
		}

		for _, item := range batch {
			q.run(item)
		}
	}
}

func (q *Queue) run(item queued) {
	result := execute(q.ctx, item.task, q.panicHandler)

	q.processed.Add(1)
	q.totalNs.Add(result.Duration.Nanoseconds())
	switch {
	case result.Panicked:
		q.panicked.Add(1)
	case result.Err != nil:
		q.failed.Add(1)
	}

	if item.result != nil {
		item.result <- result.Err
		return
	}
	if result.Err != nil && q.errorHandler != nil {
		q.errorHandler(result.Err)
	}
}

// Stats contains queue counters.
type Stats struct {
	Issued        uint64
	Processed     uint64
	Failed        uint64
	Panicked      uint64
	Backlog       int
	TotalDuration time.Duration
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Issued:        q.issued.Load(),
		Processed:     q.processed.Load(),
		Failed:        q.failed.Load(),
		Panicked:      q.panicked.Load(),
		Backlog:       q.Len(),
		TotalDuration: time.Duration(q.totalNs.Load()),
	}
}
