package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/metrics"
	"github.com/l0p7/replyctrl/internal/processor"
	"github.com/l0p7/replyctrl/internal/runtime/cache"
	"github.com/l0p7/replyctrl/internal/runtime/pipeline"
	"github.com/l0p7/replyctrl/internal/runtime/resultcaching"
)

// ErrClosed is returned by Submit once the assister has been closed.
var ErrClosed = errors.New("runtime: assister closed")

// Callback receives the terminal envelope for one request.
type Callback func(message.Envelope)

// TransportOptions tunes the network fetch stage.
type TransportOptions struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// Options wires an Assister.
type Options struct {
	// Cache may be nil, in which case every request goes to the network and
	// nothing is stored.
	Cache     *cache.Manager
	Client    httpDoer
	Transport TransportOptions
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Now       func() time.Time
}

// Assister dispatches requests: it resolves each one from the cache or the
// network, stores fresh replies, decodes them and delivers exactly one
// envelope per request.
type Assister struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	lookup pipeline.Agent
	fetch  pipeline.Agent
	store  pipeline.Agent

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAssister builds an assister. A nil Client uses a default http.Client.
func NewAssister(opts Options) *Assister {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	a := &Assister{
		logger:  logger.With(slog.String("agent", "assister")),
		metrics: opts.Metrics,
		now:     now,
	}
	agents := instrumentAgents(logger,
		&cacheLookupAgent{cache: opts.Cache, logger: logger.With(slog.String("agent", "cache_lookup"))},
		newNetworkFetchAgent(client, opts.Transport, now, logger.With(slog.String("agent", "network_fetch"))),
		resultcaching.New(resultcaching.Config{Cache: opts.Cache, Logger: logger}),
	)
	a.lookup, a.fetch, a.store = agents[0], agents[1], agents[2]
	return a
}

// Submit starts the request/reply cycle for req and returns immediately. The
// callback, if any, runs exactly once with the envelope, and the returned
// handle completes with the same envelope. Contract violations (nil request or
// processor) are reported synchronously and nothing is delivered.
func (a *Assister) Submit(ctx context.Context, req *message.Request, proc processor.Processor, cb Callback) (*Handle, error) {
	if req == nil {
		return nil, errors.New("runtime: nil request")
	}
	if proc == nil {
		return nil, errors.New("runtime: nil processor")
	}

	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return nil, ErrClosed
	}
	a.wg.Add(1)
	a.mu.RUnlock()

	handle := newHandle(req)
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer a.wg.Done()
		a.run(runCtx, handle, proc, cb)
	}()
	return handle, nil
}

// Do submits req and waits for its envelope.
func (a *Assister) Do(ctx context.Context, req *message.Request, proc processor.Processor) (message.Envelope, error) {
	handle, err := a.Submit(ctx, req, proc, nil)
	if err != nil {
		return message.Envelope{}, err
	}
	return handle.Wait(ctx)
}

// Close stops accepting requests and waits for in-flight ones to deliver.
func (a *Assister) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runtime: close: %w", ctx.Err())
	}
}

func (a *Assister) run(ctx context.Context, handle *Handle, proc processor.Processor, cb Callback) {
	start := time.Now()
	state := pipeline.NewState(handle.Request(), proc.Name(), handle.ID())
	state.SetClock(a.now)

	func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("pipeline panicked", slog.String("correlation_id", handle.ID()), slog.Any("panic", r))
				state.Fail(fmt.Errorf("runtime: pipeline panicked: %v", r))
			}
		}()
		a.execute(ctx, state, proc)
	}()

	envelope := state.Envelope()
	handle.complete(envelope)
	a.observe(ctx, state, envelope, time.Since(start))
	a.deliver(handle, cb, envelope)
}

func (a *Assister) execute(ctx context.Context, state *pipeline.State, proc processor.Processor) {
	if err := state.Request.Validate(); err != nil {
		state.Fail(err)
		return
	}
	decode := instrumentAgents(a.logger, &decodeAgent{processor: proc})[0]
	for _, agent := range []pipeline.Agent{a.lookup, a.fetch, a.store, decode} {
		agent.Execute(ctx, state)
		if state.Done() {
			return
		}
	}
}

func (a *Assister) observe(ctx context.Context, state *pipeline.State, envelope message.Envelope, elapsed time.Duration) {
	origin := "none"
	if envelope.Reply != nil {
		origin = string(envelope.Reply.Origin)
	}
	outcome := "ok"
	if !envelope.OK() {
		outcome = "failed"
		switch {
		case message.IsTransport(envelope.Err):
			outcome = "transport_error"
		case message.IsDecode(envelope.Err):
			outcome = "decode_error"
		}
	}
	a.metrics.ObserveRequest(state.Processor, outcome, origin, elapsed)

	attrs := []slog.Attr{
		slog.String("correlation_id", state.CorrelationID),
		slog.String("processor", state.Processor),
		slog.String("fingerprint", state.Fingerprint),
		slog.String("status", string(envelope.Status)),
		slog.String("origin", origin),
		slog.Float64("latency_ms", float64(elapsed)/float64(time.Millisecond)),
	}
	level := slog.LevelInfo
	if envelope.Err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("error", envelope.Err))
	}
	a.logger.LogAttrs(ctx, level, "request delivered", attrs...)
}

func (a *Assister) deliver(handle *Handle, cb Callback, envelope message.Envelope) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("callback panicked",
				slog.String("correlation_id", handle.ID()),
				slog.Any("panic", r),
			)
		}
	}()
	cb(envelope)
}
