package taskqueue

import (
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/replyctrl/internal/config"
)

const defaultCapacity = 256

// Ordering selects how pending tasks are drained.
type Ordering string

const (
	// OrderingFIFO drains in enqueue order and ignores Task.Priority.
	OrderingFIFO Ordering = "fifo"
	// OrderingPriority drains higher priorities first, FIFO within a priority.
	OrderingPriority Ordering = "priority"
)

// Configuration is the draining policy of a Queue.
type Configuration struct {
	Capacity int
	Ordering Ordering
	// Deduplicate makes a task whose Key is already pending replace the
	// pending one in place instead of queueing a second copy.
	Deduplicate bool
	// Throttle is the minimum gap between the end of one task and the start
	// of the next.
	Throttle time.Duration
	// IdleOnly holds tasks back until the host reports it is idle.
	IdleOnly bool
}

// Factory produces a fresh Configuration. Alternate policies are substituted
// by swapping the factory; the drain loop never changes.
type Factory func() Configuration

// Default is the FIFO-with-priority, deduplicating policy.
func Default() Configuration {
	return Configuration{
		Capacity:    defaultCapacity,
		Ordering:    OrderingPriority,
		Deduplicate: true,
	}
}

// Throttled returns a factory for the default policy with a minimum gap
// between tasks.
func Throttled(gap time.Duration) Factory {
	return func() Configuration {
		cfg := Default()
		cfg.Throttle = gap
		return cfg
	}
}

// IdleOnly returns a factory for the default policy that only drains while
// the host is idle.
func IdleOnly() Factory {
	return func() Configuration {
		cfg := Default()
		cfg.IdleOnly = true
		return cfg
	}
}

// FactoryFor maps the queue section of the configuration to a factory.
func FactoryFor(cfg config.QueueConfig) (Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var base Factory
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case "", config.QueuePolicyDefault:
		base = Default
	case config.QueuePolicyThrottled:
		base = Throttled(time.Duration(cfg.ThrottleMillis) * time.Millisecond)
	case config.QueuePolicyIdleOnly:
		base = IdleOnly()
	default:
		return nil, fmt.Errorf("taskqueue: unsupported policy %q", cfg.Policy)
	}
	capacity := cfg.Capacity
	ordering := Ordering(strings.ToLower(strings.TrimSpace(cfg.Ordering)))
	dedup := cfg.Deduplicate
	return func() Configuration {
		out := base()
		if capacity > 0 {
			out.Capacity = capacity
		}
		if ordering != "" {
			out.Ordering = ordering
		}
		out.Deduplicate = dedup
		return out
	}, nil
}

func (c Configuration) normalize() Configuration {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	switch c.Ordering {
	case OrderingFIFO, OrderingPriority:
	default:
		c.Ordering = OrderingPriority
	}
	if c.Throttle < 0 {
		c.Throttle = 0
	}
	return c
}
