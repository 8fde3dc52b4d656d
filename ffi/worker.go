package ffi

import (
	"errors"
	"fmt"
	"sync"
)

// ErrWorkerStopped is returned by Do and Go after Stop.
var ErrWorkerStopped = errors.New("ffi: worker stopped")

// DefaultWorkerQueue is the default initial queue capacity.
const DefaultWorkerQueue = 64

// workerJob is a unit of work executed on the worker goroutine.
type workerJob struct {
	fn    func(*Bridge) (any, error)
	reply chan workerResult
	done  func(any, error)
}

// workerResult holds the return value from a bridge operation.
type workerResult struct {
	value any
	err   error
}

// Worker serializes all bridge access through a single goroutine. The
// guest runtime is single-threaded; hosts calling from several goroutines
// go through the worker. Jobs run in the order they were queued.
//
// The queue is unbounded: Go never blocks, and a running job may queue
// more work on its own worker with Go. A job must not call Do on its own
// worker: it would wait on itself.
type Worker struct {
	b        *Bridge
	finished chan struct{}

	mu      sync.Mutex
	ready   *sync.Cond
	queue   []workerJob
	stopped bool
}

// NewWorker creates a Worker owning b and starts its goroutine. queue is
// the initial queue capacity; zero or less uses DefaultWorkerQueue. The
// queue grows past it as needed.
func NewWorker(b *Bridge, queue int) *Worker {
	if queue <= 0 {
		queue = DefaultWorkerQueue
	}
	w := &Worker{
		b:        b,
		queue:    make([]workerJob, 0, queue),
		finished: make(chan struct{}),
	}
	w.ready = sync.NewCond(&w.mu)
	go w.loop()
	log.Debug("worker started", "bridge", b.ID, "queue", queue)
	return w
}

// next blocks until a job is queued. It reports false once the worker is
// stopped and the queue is drained.
func (w *Worker) next() (workerJob, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) == 0 && !w.stopped {
		w.ready.Wait()
	}
	if len(w.queue) == 0 {
		return workerJob{}, false
	}
	job := w.queue[0]
	w.queue[0] = workerJob{}
	w.queue = w.queue[1:]
	return job, true
}

// loop processes jobs sequentially until the worker is stopped and the
// queue is drained.
func (w *Worker) loop() {
	defer close(w.finished)
	for {
		job, ok := w.next()
		if !ok {
			return
		}
		r := w.execute(job.fn)
		if job.reply != nil {
			job.reply <- r
		}
		if job.done != nil {
			w.execute(func(*Bridge) (any, error) {
				job.done(r.value, r.err)
				return nil, nil
			})
		}
	}
}

// execute runs a job against the bridge, recovering from panics.
func (w *Worker) execute(fn func(*Bridge) (any, error)) (result workerResult) {
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("ffi: worker job panicked: %v", r)
		}
	}()
	result.value, result.err = fn(w.b)
	return result
}

// submit appends job to the queue without blocking.
func (w *Worker) submit(job workerJob) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrWorkerStopped
	}
	w.queue = append(w.queue, job)
	w.ready.Signal()
	return nil
}

// Pending returns the number of queued jobs not yet started.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Do submits fn for execution on the worker goroutine and blocks until it
// completes. There is no timeout.
func (w *Worker) Do(fn func(*Bridge) (any, error)) (any, error) {
	job := workerJob{fn: fn, reply: make(chan workerResult, 1)}
	if err := w.submit(job); err != nil {
		return nil, err
	}
	r := <-job.reply
	return r.value, r.err
}

// Go queues fn and returns immediately, however many jobs are pending.
// done, if non-nil, is called on the worker goroutine with fn's result.
func (w *Worker) Go(fn func(*Bridge) (any, error), done func(any, error)) error {
	return w.submit(workerJob{fn: fn, done: done})
}

// Stop refuses new work, runs everything already queued and waits for the
// worker goroutine to exit. It is safe to call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		w.ready.Broadcast()
	}
	w.mu.Unlock()
	<-w.finished
	log.Debug("worker stopped", "bridge", w.b.ID)
}

// Bridge returns the bridge owned by the worker. Only jobs running on the
// worker may use it.
func (w *Worker) Bridge() *Bridge { return w.b }
