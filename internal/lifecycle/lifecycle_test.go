package lifecycle

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/processor"
	"github.com/l0p7/replyctrl/internal/runtime"
	"github.com/l0p7/replyctrl/internal/runtime/cache"
	"github.com/l0p7/replyctrl/internal/taskqueue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stack struct {
	clock      *clock
	cache      *cache.Manager
	queue      *taskqueue.Queue
	assister   *runtime.Assister
	controller *Controller
	client     *Client
	hits       *atomic.Int64
	opens      *atomic.Int64
}

func newStack(t *testing.T, sweepInterval time.Duration) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	payload := buf.Bytes()
	hits := &atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opens := &atomic.Int64{}
	mgr, err := cache.NewManager(context.Background(), cache.ManagerOptions{
		Open: func(context.Context) (cache.Store, error) {
			opens.Add(1)
			return cache.NewMemory(), nil
		},
		Backend: "memory",
		TTL:     cache.TTLPolicy{Default: time.Minute},
		Logger:  logger,
		Now:     clk.Now,
	})
	require.NoError(t, err)

	queue := taskqueue.New(taskqueue.Options{Logger: logger})
	assister := runtime.NewAssister(runtime.Options{Cache: mgr, Logger: logger})

	icon, err := processor.NewImage(processor.ImageConfig{
		Name:    "icon",
		Request: processor.RequestSpec{URLTemplate: srv.URL + "/{{ .identifier }}.png"},
	}, nil)
	require.NoError(t, err)
	registry := processor.NewRegistry()
	require.NoError(t, registry.Register(icon))

	controller := NewController(Options{
		Cache:         mgr,
		Queue:         queue,
		Assister:      assister,
		SweepInterval: sweepInterval,
		Logger:        logger,
	})
	t.Cleanup(func() { _ = controller.Shutdown(context.Background()) })

	return &stack{
		clock:      clk,
		cache:      mgr,
		queue:      queue,
		assister:   assister,
		controller: controller,
		client:     NewClient(assister, queue, registry),
		hits:       hits,
		opens:      opens,
	}
}

func (s *stack) fetch(t *testing.T, identifier string) message.Envelope {
	t.Helper()
	handle, err := s.client.Fetch(context.Background(), "icon", identifier, nil)
	require.NoError(t, err)
	env, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Same(t, handle.Request(), env.Request)
	return env
}

func (s *stack) size(t *testing.T) int64 {
	t.Helper()
	size, err := s.cache.Size(context.Background())
	if err != nil {
		return -1
	}
	return size
}

func TestControllerInvisibleSweepsExpiredEntries(t *testing.T) {
	s := newStack(t, 0)
	require.NoError(t, s.controller.Start(context.Background()))
	require.True(t, s.controller.Visible())

	require.True(t, s.fetch(t, "sun").OK())
	require.True(t, s.fetch(t, "moon").OK())
	require.EqualValues(t, 2, s.size(t))

	s.clock.Advance(2 * time.Minute)
	require.NoError(t, s.controller.BecameInvisible())
	require.False(t, s.controller.Visible())

	require.Eventually(t, func() bool { return s.size(t) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestControllerPeriodicSweep(t *testing.T) {
	s := newStack(t, 10*time.Millisecond)
	require.NoError(t, s.controller.Start(context.Background()))
	require.NoError(t, s.controller.Start(context.Background()), "start is idempotent")

	require.True(t, s.fetch(t, "sun").OK())
	s.clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool { return s.size(t) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestControllerReclaimAndReopen(t *testing.T) {
	s := newStack(t, 0)
	require.NoError(t, s.controller.Start(context.Background()))
	require.True(t, s.fetch(t, "sun").OK())
	require.EqualValues(t, 1, s.hits.Load())

	require.NoError(t, s.controller.Reclaim(context.Background(), "memory pressure"))
	require.False(t, s.cache.Running())

	env := s.fetch(t, "sun")
	require.True(t, env.OK(), "requests keep working while the cache is released")
	require.Equal(t, message.OriginNetwork, env.Reply.Origin)
	require.EqualValues(t, 2, s.hits.Load())

	require.NoError(t, s.controller.BecameInvisible(), "sweeping a released cache is a no-op")

	require.NoError(t, s.controller.BecameVisible(context.Background()))
	require.True(t, s.cache.Running())
	require.EqualValues(t, 2, s.opens.Load())

	env = s.fetch(t, "sun")
	require.Equal(t, message.OriginNetwork, env.Reply.Origin, "memory entries do not survive a reclaim")
	require.EqualValues(t, 3, s.hits.Load())
}

func TestControllerShutdown(t *testing.T) {
	s := newStack(t, 0)
	require.NoError(t, s.controller.Start(context.Background()))
	require.NoError(t, s.controller.BecameInvisible())

	require.NoError(t, s.controller.Shutdown(context.Background()))
	require.NoError(t, s.controller.Shutdown(context.Background()))

	require.False(t, s.cache.Running())
	_, err := s.client.Fetch(context.Background(), "icon", "sun", nil)
	require.ErrorIs(t, err, runtime.ErrClosed)
	require.ErrorIs(t, s.client.EnqueueDeferredTask(taskqueue.Task{Name: "late", Run: func(context.Context) error { return nil }}), taskqueue.ErrQueueClosed)

	require.Error(t, s.controller.Start(context.Background()))
	require.Error(t, s.controller.BecameVisible(context.Background()))
	require.Error(t, s.controller.BecameInvisible())
}

func TestControllerReclaimAfterShutdown(t *testing.T) {
	s := newStack(t, 0)
	require.NoError(t, s.controller.Start(context.Background()))
	require.NoError(t, s.controller.Shutdown(context.Background()))

	err := s.controller.Reclaim(context.Background(), "low memory")
	require.Error(t, err)
	require.Contains(t, err.Error(), "shut down")
}

func TestClientPrefetchWarmsCache(t *testing.T) {
	s := newStack(t, 0)

	first, err := s.client.Prefetch("icon", "sun")
	require.NoError(t, err)
	second, err := s.client.Prefetch("icon", "sun")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, s.queue.Len(), "repeated pre-fetches collapse into one task")

	require.NoError(t, s.controller.Start(context.Background()))
	require.Eventually(t, func() bool { return s.size(t) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, s.hits.Load())

	env := s.fetch(t, "sun")
	require.True(t, env.OK())
	require.Equal(t, message.OriginCache, env.Reply.Origin)
	require.EqualValues(t, 1, s.hits.Load())
}

func TestClientErrors(t *testing.T) {
	s := newStack(t, 0)
	_, err := s.client.Fetch(context.Background(), "missing", "sun", nil)
	require.ErrorIs(t, err, processor.ErrUnknownProcessor)
	_, err = s.client.Prefetch("icon", " ")
	require.ErrorContains(t, err, "identifier required")
	require.Equal(t, []string{"icon"}, s.client.Processors())

	empty := NewClient(nil, nil, nil)
	_, err = empty.Submit(context.Background(), message.NewRequest("https://example.com"), nil, nil)
	require.Error(t, err)
	require.Error(t, empty.EnqueueDeferredTask(taskqueue.Task{}))
	_, err = empty.Fetch(context.Background(), "icon", "sun", nil)
	require.Error(t, err)
	require.Nil(t, empty.Processors())
}
