package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Errors returned by the worker pool.
var (
	// ErrPoolDisposed is returned when a task is submitted to a disposed
	// pool, and delivered as the result of tasks that were still queued
	// when the pool shut down.
	ErrPoolDisposed = errors.New("worker pool is disposed")

	// ErrPoolQueueFull is returned when the pool's pending-task buffer is
	// at capacity.
	ErrPoolQueueFull = errors.New("worker pool queue is full")
)

// TaskFunc is a unit of work executed on a pool worker. It receives the
// task's cancellation context and returns an opaque result reference or
// an error (usually an *ExecError).
type TaskFunc func(ctx context.Context) (string, error)

// TaskResult is the outcome of one task execution.
type TaskResult struct {
	ResultRef string
	Err       error
}

// Task lifecycle states tracked on the handle.
const (
	taskPending int32 = iota
	taskRunning
	taskSettled
	taskDetached
)

// TaskHandle is the caller's view of an accepted task. At most one
// TaskResult is delivered on Done, whether the task ran, panicked, was
// cancelled, or was discarded during pool disposal; a detached task
// delivers nothing.
type TaskHandle struct {
	done  chan TaskResult
	state atomic.Int32
}

// Done returns the channel on which the task's result is delivered.
func (h *TaskHandle) Done() <-chan TaskResult {
	return h.done
}

func (h *TaskHandle) deliver(res TaskResult) {
	// done is buffered with capacity 1 and written exactly once, so this
	// never blocks a worker.
	h.done <- res
}

type poolTask struct {
	ctx    context.Context
	run    TaskFunc
	handle *TaskHandle
}

// WorkerPool executes opaque tasks on a fixed number of worker
// goroutines. Workers share no mutable state with the caller: tasks
// arrive on a channel and results leave through per-task handles, and a
// panicking task is confined to its own execution (reported as a system
// failure) rather than taking down the scheduler.
//
// Submission never blocks: Execute either accepts the task into the
// pending buffer immediately or fails with ErrPoolQueueFull.
type WorkerPool struct {
	size      int
	tasks     chan *poolTask
	busy      atomic.Int32
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
	disposed  atomic.Bool
	disposeMu sync.Mutex
	tornDown  chan struct{}
	started   bool
	startMu   sync.Mutex
	detaches  atomic.Int32
}

// PoolStats is a snapshot of pool utilization for observability.
type PoolStats struct {
	PoolSize     int `json:"pool_size"`
	BusyWorkers  int `json:"busy_workers"`
	PendingTasks int `json:"pending_tasks"`
}

// NewWorkerPool creates a pool with the given number of workers and
// pending-task buffer. Invalid sizes fall back to 1 worker / 16 slots.
func NewWorkerPool(size, queueSize int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		logger.Warn("invalid worker pool size, using default",
			"specified_size", size,
			"default_size", 1)
		size = 1
	}
	if queueSize <= 0 {
		queueSize = 16
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		size:     size,
		tasks:    make(chan *poolTask, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "worker_pool"),
		tornDown: make(chan struct{}),
	}
}

// Start launches the worker goroutines. Calling Start on a started or
// disposed pool is a no-op.
func (p *WorkerPool) Start() {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started || p.disposed.Load() {
		return
	}
	p.started = true

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug("worker pool started", "pool_size", p.size)
}

// Execute submits a task for asynchronous execution. The caller is
// suspended only until the task is accepted into the pending buffer; the
// result is observed through the returned handle.
func (p *WorkerPool) Execute(ctx context.Context, run TaskFunc) (*TaskHandle, error) {
	if p.disposed.Load() {
		return nil, ErrPoolDisposed
	}

	task := &poolTask{
		ctx:    ctx,
		run:    run,
		handle: &TaskHandle{done: make(chan TaskResult, 1)},
	}

	select {
	case p.tasks <- task:
		return task.handle, nil
	default:
		return nil, fmt.Errorf("%w: capacity %d reached", ErrPoolQueueFull, cap(p.tasks))
	}
}

// Stats returns a snapshot of pool utilization.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		PoolSize:     p.size,
		BusyWorkers:  int(p.busy.Load()),
		PendingTasks: len(p.tasks),
	}
}

// Detach abandons a task whose caller has stopped waiting on its
// handle. If a worker is still executing the task, a replacement worker
// inherits its slot immediately, so one stuck task cannot hold pool
// capacity hostage; the stuck worker exits once (if ever) its task
// returns. Detaching a settled or already-detached task is a no-op.
func (p *WorkerPool) Detach(h *TaskHandle) {
	for {
		switch h.state.Load() {
		case taskSettled, taskDetached:
			return

		case taskPending:
			if h.state.CompareAndSwap(taskPending, taskDetached) {
				return
			}

		case taskRunning:
			if h.state.CompareAndSwap(taskRunning, taskDetached) {
				p.busy.Add(-1)
				id := p.size + int(p.detaches.Add(1)) - 1
				go p.worker(id)
				p.logger.Warn("replaced worker occupied by detached task",
					"replacement_worker_id", id)
				return
			}
		}
	}
}

// Dispose tears the pool down: new submissions are rejected, workers
// stop after their current task, and tasks still in the pending buffer
// resolve with ErrPoolDisposed. Idempotent; blocks until teardown is
// complete.
func (p *WorkerPool) Dispose() {
	p.disposeMu.Lock()
	if p.disposed.Swap(true) {
		p.disposeMu.Unlock()
		<-p.tornDown
		return
	}

	p.cancel()
	p.wg.Wait()

	// Resolve tasks that never reached a worker.
	for {
		select {
		case task := <-p.tasks:
			if task.handle.state.CompareAndSwap(taskPending, taskSettled) {
				task.handle.deliver(TaskResult{Err: ErrPoolDisposed})
			}
		default:
			close(p.tornDown)
			p.disposeMu.Unlock()
			p.logger.Debug("worker pool disposed")
			return
		}
	}
}

// worker processes tasks until the pool shuts down, or until its task
// is detached, in which case a replacement has already inherited this
// worker's wait-group slot and the worker exits without releasing it.
func (p *WorkerPool) worker(id int) {
	p.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug("stopping worker", "worker_id", id)
			p.wg.Done()
			return

		case task := <-p.tasks:
			if p.runTask(task, id) {
				return
			}
		}
	}
}

// runTask executes a single task, confining panics to this dispatch.
// It reports whether the task was detached mid-run.
func (p *WorkerPool) runTask(task *poolTask, workerID int) (detached bool) {
	h := task.handle

	// A task cancelled while waiting in the buffer never runs.
	if err := task.ctx.Err(); err != nil {
		if h.state.CompareAndSwap(taskPending, taskSettled) {
			h.deliver(TaskResult{Err: err})
		}
		return false
	}

	if !h.state.CompareAndSwap(taskPending, taskRunning) {
		// Detached while it waited in the buffer.
		return false
	}

	p.busy.Add(1)
	defer func() {
		// Detach already surrendered this worker's busy count along with
		// its slot.
		if !detached {
			p.busy.Add(-1)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked on worker",
				"worker_id", workerID,
				"panic", r)
			if h.state.CompareAndSwap(taskRunning, taskSettled) {
				h.deliver(TaskResult{
					Err: NewSystemError(fmt.Errorf("worker crashed: %v", r)),
				})
			} else {
				detached = true
			}
		}
	}()

	resultRef, err := task.run(task.ctx)
	if h.state.CompareAndSwap(taskRunning, taskSettled) {
		h.deliver(TaskResult{ResultRef: resultRef, Err: err})
		return false
	}

	p.logger.Warn("detached task finished, releasing its worker",
		"worker_id", workerID)
	return true
}
