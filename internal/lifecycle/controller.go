// Package lifecycle turns host visibility signals into commands for the cache
// manager, the deferred task queue and the dispatcher.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/replyctrl/internal/runtime"
	"github.com/l0p7/replyctrl/internal/runtime/cache"
	"github.com/l0p7/replyctrl/internal/taskqueue"
)

// SweepTaskKey deduplicates cache sweeps on the task queue.
const SweepTaskKey = "cache-sweep"

// sweepPriority keeps sweeps behind pre-fetches.
const sweepPriority = -10

// Options wires a Controller.
type Options struct {
	Cache    *cache.Manager
	Queue    *taskqueue.Queue
	Assister *runtime.Assister
	// SweepInterval schedules a cache sweep periodically. Zero disables the
	// timer; sweeps still run when the host becomes invisible.
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Controller receives explicit lifecycle messages from the host.
type Controller struct {
	cache         *cache.Manager
	queue         *taskqueue.Queue
	assister      *runtime.Assister
	sweepInterval time.Duration
	logger        *slog.Logger

	mu         sync.Mutex
	started    bool
	stopped    bool
	visible    bool
	stopTicker chan struct{}
	tickerDone chan struct{}
}

// NewController builds a controller. Cache, Queue and Assister are optional so
// hosts can run partial stacks.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cache:         opts.Cache,
		queue:         opts.Queue,
		assister:      opts.Assister,
		sweepInterval: opts.SweepInterval,
		logger:        logger.With(slog.String("agent", "lifecycle")),
	}
}

// Start opens the cache, starts draining the queue and arms the sweep timer.
// The host is considered visible after Start.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("lifecycle: controller shut down")
	}
	if c.started {
		return nil
	}
	if c.cache != nil {
		if err := c.cache.Start(ctx); err != nil {
			return fmt.Errorf("lifecycle: start: %w", err)
		}
	}
	if c.queue != nil {
		if err := c.queue.Start(ctx); err != nil && !errors.Is(err, taskqueue.ErrAlreadyStarted) {
			return fmt.Errorf("lifecycle: start: %w", err)
		}
		c.queue.SetIdle(false)
	}
	if c.sweepInterval > 0 && c.queue != nil && c.cache != nil {
		c.stopTicker = make(chan struct{})
		c.tickerDone = make(chan struct{})
		go c.scheduleSweeps(ctx, c.sweepInterval, c.stopTicker, c.tickerDone)
	}
	c.started = true
	c.visible = true
	c.logger.Info("lifecycle started", slog.Duration("sweep_interval", c.sweepInterval))
	return nil
}

// BecameVisible resumes foreground mode: the cache is reopened if it was
// reclaimed, and idle-only work is held back again.
func (c *Controller) BecameVisible(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("lifecycle: controller shut down")
	}
	c.visible = true
	if c.queue != nil {
		c.queue.SetIdle(false)
	}
	if c.cache != nil && !c.cache.Running() {
		if err := c.cache.Start(ctx); err != nil {
			return fmt.Errorf("lifecycle: reopen cache: %w", err)
		}
	}
	c.logger.Info("host became visible")
	return nil
}

// BecameInvisible lets idle-only work drain and schedules a cache sweep.
func (c *Controller) BecameInvisible() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("lifecycle: controller shut down")
	}
	c.visible = false
	if c.queue != nil {
		c.queue.SetIdle(true)
	}
	c.logger.Info("host became invisible")
	return c.enqueueSweep()
}

// Reclaim is the kill command for the cache worker: any running sweep stops
// before its next entry and the storage handle is released. Requests keep
// working from the network until the cache is reopened. Entries held by the
// memory backend are lost; persistent backends keep theirs.
func (c *Controller) Reclaim(ctx context.Context, reason string) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return errors.New("lifecycle: controller shut down")
	}
	if c.cache == nil {
		return nil
	}
	if err := c.cache.Shutdown(ctx, reason); err != nil {
		return fmt.Errorf("lifecycle: reclaim: %w", err)
	}
	return nil
}

// Visible reports the last visibility signal.
func (c *Controller) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// Shutdown stops the sweep timer and discards pending deferred tasks, then
// waits for in-flight requests and releases the cache. Releasing the cache
// interrupts a running sweep, so the queue's running task finishes promptly.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	stopTicker, tickerDone := c.stopTicker, c.tickerDone
	c.mu.Unlock()

	if stopTicker != nil {
		close(stopTicker)
		<-tickerDone
	}

	queueErr := make(chan error, 1)
	if c.queue != nil {
		go func() {
			dropped, err := c.queue.Shutdown(ctx)
			c.logger.Info("deferred tasks discarded", slog.Int("dropped", dropped))
			queueErr <- err
		}()
	} else {
		queueErr <- nil
	}

	var errs []error
	if c.assister != nil {
		if err := c.assister.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.cache != nil {
		if err := c.cache.Shutdown(ctx, "shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	if err := <-queueErr; err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("lifecycle shut down")
	return errors.Join(errs...)
}

// SweepTask builds the deferred cache sweep.
func SweepTask(mgr *cache.Manager, logger *slog.Logger) taskqueue.Task {
	return taskqueue.Task{
		Name:     "cache-sweep",
		Key:      SweepTaskKey,
		Priority: sweepPriority,
		Run: func(ctx context.Context) error {
			result, err := mgr.EvictExpired(ctx)
			switch {
			case errors.Is(err, cache.ErrClosed), errors.Is(err, cache.ErrSweepRunning):
				logger.Debug("cache sweep skipped", slog.Any("reason", err))
				return nil
			case err != nil:
				return err
			}
			if result.Interrupted {
				logger.Info("cache sweep interrupted", slog.Int("remaining", result.Remaining))
			}
			return nil
		},
	}
}

func (c *Controller) enqueueSweep() error {
	if c.queue == nil || c.cache == nil {
		return nil
	}
	if err := c.queue.Enqueue(SweepTask(c.cache, c.logger)); err != nil {
		return fmt.Errorf("lifecycle: schedule sweep: %w", err)
	}
	return nil
}

func (c *Controller) scheduleSweeps(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.enqueueSweep()
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("periodic sweep not scheduled", slog.Any("error", err))
			}
		}
	}
}
