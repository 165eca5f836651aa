package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/processor"
	"github.com/l0p7/replyctrl/internal/runtime"
	"github.com/l0p7/replyctrl/internal/taskqueue"
)

// prefetchPriority runs pre-fetches ahead of sweeps but behind anything a
// caller marks as urgent.
const prefetchPriority = 0

// Client is the outbound surface for presentation code: submit a request or
// defer a task. Nothing else in the stack should be called directly.
type Client struct {
	assister *runtime.Assister
	queue    *taskqueue.Queue
	registry *processor.Registry
}

// NewClient builds the facade. registry may be nil when callers only submit
// fully built requests.
func NewClient(assister *runtime.Assister, queue *taskqueue.Queue, registry *processor.Registry) *Client {
	return &Client{assister: assister, queue: queue, registry: registry}
}

// Submit forwards to the dispatcher.
func (c *Client) Submit(ctx context.Context, req *message.Request, proc processor.Processor, cb runtime.Callback) (*runtime.Handle, error) {
	if c.assister == nil {
		return nil, errors.New("lifecycle: no dispatcher configured")
	}
	return c.assister.Submit(ctx, req, proc, cb)
}

// EnqueueDeferredTask hands task to the background queue.
func (c *Client) EnqueueDeferredTask(task taskqueue.Task) error {
	if c.queue == nil {
		return errors.New("lifecycle: no task queue configured")
	}
	return c.queue.Enqueue(task)
}

// Fetch builds the named processor's default request for identifier and
// submits it.
func (c *Client) Fetch(ctx context.Context, processorName, identifier string, cb runtime.Callback) (*runtime.Handle, error) {
	proc, req, err := c.resolve(processorName, identifier)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, req, proc, cb)
}

// Prefetch defers a fetch of identifier so its reply lands in the cache
// before anyone asks for it. Repeated pre-fetches of the same request
// collapse into one pending task. It returns the request fingerprint.
func (c *Client) Prefetch(processorName, identifier string) (string, error) {
	proc, req, err := c.resolve(processorName, identifier)
	if err != nil {
		return "", err
	}
	fingerprint := req.Fingerprint()
	task := taskqueue.Task{
		Name:     "prefetch",
		Key:      "prefetch:" + fingerprint,
		Priority: prefetchPriority,
		Run: func(ctx context.Context) error {
			handle, err := c.Submit(ctx, req, proc, nil)
			if err != nil {
				return err
			}
			env, err := handle.Wait(ctx)
			if err != nil {
				return err
			}
			if message.IsDecode(env.Err) {
				// The raw reply is cached even when it does not decode.
				return nil
			}
			return env.Err
		},
	}
	if err := c.EnqueueDeferredTask(task); err != nil {
		return "", err
	}
	return fingerprint, nil
}

// Processors lists the registered processor names.
func (c *Client) Processors() []string {
	if c.registry == nil {
		return nil
	}
	return c.registry.Names()
}

func (c *Client) resolve(processorName, identifier string) (processor.Processor, *message.Request, error) {
	if c.registry == nil {
		return nil, nil, errors.New("lifecycle: no processor registry configured")
	}
	proc, err := c.registry.Lookup(processorName)
	if err != nil {
		return nil, nil, err
	}
	req, err := proc.BuildDefaultRequest(identifier)
	if err != nil {
		return nil, nil, fmt.Errorf("lifecycle: build request: %w", err)
	}
	return proc, req, nil
}
