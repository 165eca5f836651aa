package runtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/l0p7/replyctrl/internal/message"
)

// Handle correlates a submitted request with its envelope. It is completed
// exactly once; later completions are ignored.
type Handle struct {
	id      string
	request *message.Request
	ch      chan struct{}

	once     sync.Once
	mu       sync.Mutex
	envelope message.Envelope
}

func newHandle(req *message.Request) *Handle {
	return &Handle{
		id:      uuid.NewString(),
		request: req,
		ch:      make(chan struct{}),
	}
}

// ID is the correlation identifier used in logs.
func (h *Handle) ID() string { return h.id }

// Request returns the submitted request, pointer-identical to the one passed
// to Submit.
func (h *Handle) Request() *message.Request { return h.request }

// Done is closed once the envelope is available.
func (h *Handle) Done() <-chan struct{} { return h.ch }

// Wait blocks until the envelope is delivered or ctx is done.
func (h *Handle) Wait(ctx context.Context) (message.Envelope, error) {
	select {
	case <-h.ch:
		return h.load(), nil
	case <-ctx.Done():
		return message.Envelope{}, ctx.Err()
	}
}

// Result returns the envelope and true once the handle is complete.
func (h *Handle) Result() (message.Envelope, bool) {
	select {
	case <-h.ch:
		return h.load(), true
	default:
		return message.Envelope{}, false
	}
}

func (h *Handle) complete(env message.Envelope) bool {
	completed := false
	h.once.Do(func() {
		h.mu.Lock()
		h.envelope = env
		h.mu.Unlock()
		close(h.ch)
		completed = true
	})
	return completed
}

func (h *Handle) load() message.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.envelope
}
