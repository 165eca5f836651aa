// Package taskqueue drains low-priority deferred work on a single goroutine
// under a replaceable policy.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/replyctrl/internal/metrics"
)

var (
	// ErrQueueFull is returned by Enqueue when the pending set is at capacity.
	ErrQueueFull = errors.New("taskqueue: queue is full")
	// ErrQueueClosed is returned by Enqueue after Shutdown.
	ErrQueueClosed = errors.New("taskqueue: queue closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("taskqueue: already started")
)

// Task is one unit of deferred work. Tasks live only in memory.
type Task struct {
	Name string
	// Key identifies equivalent work for deduplication. Empty keys never
	// deduplicate.
	Key      string
	Priority int
	Run      func(ctx context.Context) error
}

type pendingTask struct {
	task Task
	seq  uint64
}

// Options wires a Queue.
type Options struct {
	Factory Factory
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Queue is a single logical queue. Enqueue, SetIdle and Reconfigure may be
// called from any goroutine; tasks run one at a time on the drain goroutine.
type Queue struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu         sync.Mutex
	cfg        Configuration
	pending    []*pendingTask
	byKey      map[string]*pendingTask
	seq        uint64
	idle       bool
	started    bool
	closed     bool
	lastFinish time.Time

	wake      chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New builds a queue. A nil factory uses Default.
func New(opts Options) *Queue {
	factory := opts.Factory
	if factory == nil {
		factory = Default
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:    logger.With(slog.String("agent", "task_queue")),
		metrics:   opts.Metrics,
		cfg:       factory().normalize(),
		byKey:     make(map[string]*pendingTask),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the drain goroutine. Tasks enqueued earlier start draining
// now. Cancelling ctx stops draining the same way Shutdown does, but pending
// tasks stay queued until Shutdown discards them.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return ErrAlreadyStarted
	}
	q.started = true
	go q.loop(ctx)
	q.logger.Info("task queue started",
		slog.Int("capacity", q.cfg.Capacity),
		slog.String("ordering", string(q.cfg.Ordering)),
		slog.Bool("idle_only", q.cfg.IdleOnly),
		slog.Duration("throttle", q.cfg.Throttle),
	)
	return nil
}

// Enqueue adds task. With deduplication on, a task whose key is already
// pending replaces that task and keeps its place in line.
func (q *Queue) Enqueue(task Task) error {
	if task.Run == nil {
		return errors.New("taskqueue: task run function required")
	}
	task.Name = strings.TrimSpace(task.Name)
	if task.Name == "" {
		return errors.New("taskqueue: task name required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.cfg.Deduplicate && task.Key != "" {
		if existing, ok := q.byKey[task.Key]; ok {
			existing.task = task
			q.logger.Debug("deferred task replaced", slog.String("task", task.Name), slog.String("key", task.Key))
			q.signal()
			return nil
		}
	}
	if len(q.pending) >= q.cfg.Capacity {
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, q.cfg.Capacity)
	}
	q.seq++
	item := &pendingTask{task: task, seq: q.seq}
	q.pending = append(q.pending, item)
	if task.Key != "" {
		q.byKey[task.Key] = item
	}
	q.metrics.SetQueueDepth(len(q.pending))
	q.signal()
	return nil
}

// SetIdle records whether the host is idle. Idle-only policies drain only
// while idle is true.
func (q *Queue) SetIdle(idle bool) {
	q.mu.Lock()
	q.idle = idle
	q.mu.Unlock()
	q.signal()
}

// Reconfigure swaps the draining policy. Pending tasks are kept even when the
// new capacity is smaller; further enqueues fail until the backlog drains.
func (q *Queue) Reconfigure(factory Factory) {
	if factory == nil {
		return
	}
	cfg := factory().normalize()
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
	q.logger.Info("task queue reconfigured",
		slog.Int("capacity", cfg.Capacity),
		slog.String("ordering", string(cfg.Ordering)),
		slog.Bool("deduplicate", cfg.Deduplicate),
		slog.Bool("idle_only", cfg.IdleOnly),
		slog.Duration("throttle", cfg.Throttle),
	)
	q.signal()
}

// Configuration returns the active policy.
func (q *Queue) Configuration() Configuration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Shutdown discards pending tasks and waits for the running task, if any, to
// finish. It returns the number of discarded tasks. When ctx ends first the
// running task is left to finish on its own and ctx's error is returned.
func (q *Queue) Shutdown(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, nil
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.byKey = make(map[string]*pendingTask)
	started := q.started
	q.mu.Unlock()

	close(q.stopCh)
	q.metrics.ObserveTasksDropped(dropped)
	q.metrics.SetQueueDepth(0)
	q.logger.Info("task queue shutting down", slog.Int("dropped", dropped))

	if !started {
		return dropped, nil
	}
	select {
	case <-q.stoppedCh:
		return dropped, nil
	case <-ctx.Done():
		return dropped, fmt.Errorf("taskqueue: shutdown: %w", ctx.Err())
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.stoppedCh)
	for {
		if ctx.Err() != nil {
			return
		}
		task, wait, ok := q.next()
		if ok {
			q.run(ctx, task)
			continue
		}

		if !q.wait(ctx, wait) {
			return
		}
	}
}

// wait blocks until a signal, the throttle timer, or a stop. It reports
// false when the loop must exit.
func (q *Queue) wait(ctx context.Context, d time.Duration) bool {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-q.stopCh:
		return false
	case <-ctx.Done():
		q.logger.Info("task queue context done", slog.Any("error", ctx.Err()))
		return false
	case <-q.wake:
	case <-timer:
	}
	return true
}

// next pops the task to run now. When nothing may run yet it reports how
// long to wait, or zero to wait for a signal.
func (q *Queue) next() (Task, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		return Task{}, 0, false
	}
	if q.cfg.IdleOnly && !q.idle {
		return Task{}, 0, false
	}
	if q.cfg.Throttle > 0 && !q.lastFinish.IsZero() {
		if remaining := q.cfg.Throttle - time.Since(q.lastFinish); remaining > 0 {
			return Task{}, remaining, false
		}
	}

	idx := 0
	if q.cfg.Ordering == OrderingPriority {
		for i, item := range q.pending[1:] {
			best := q.pending[idx]
			if item.task.Priority > best.task.Priority {
				idx = i + 1
			}
		}
	}
	item := q.pending[idx]
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	if item.task.Key != "" && q.byKey[item.task.Key] == item {
		delete(q.byKey, item.task.Key)
	}
	q.metrics.SetQueueDepth(len(q.pending))
	return item.task, 0, true
}

func (q *Queue) run(ctx context.Context, task Task) {
	start := time.Now()
	err := safeRun(context.WithoutCancel(ctx), task)
	elapsed := time.Since(start)

	q.mu.Lock()
	q.lastFinish = time.Now()
	q.mu.Unlock()

	result := "ok"
	attrs := []slog.Attr{
		slog.String("task", task.Name),
		slog.Float64("latency_ms", float64(elapsed)/float64(time.Millisecond)),
	}
	if task.Key != "" {
		attrs = append(attrs, slog.String("key", task.Key))
	}
	level := slog.LevelDebug
	if err != nil {
		result = "error"
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("error", err))
	}
	q.metrics.ObserveTask(task.Name, result, elapsed)
	q.logger.LogAttrs(ctx, level, "deferred task finished", attrs...)
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("taskqueue: task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}
