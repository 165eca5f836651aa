package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/metrics"
)

// ErrSweepRunning is returned when a sweep is requested while another one is
// still in progress.
var ErrSweepRunning = errors.New("cache: sweep already running")

// Opener (re)creates the storage handle. The manager calls it on Start, which
// also happens after a Shutdown when the host needs the cache again.
type Opener func(ctx context.Context) (Store, error)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Open Opener
	// Backend labels logs and metrics.
	Backend string
	TTL     TTLPolicy
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// SweepResult summarizes one EvictExpired pass.
type SweepResult struct {
	Candidates  int
	Evicted     int
	Failed      int
	Remaining   int
	Interrupted bool
}

// Manager owns the storage handle. All cache mutations go through Store so
// replacement stays atomic and last-write-wins by completion order.
//
// mu is held for reading by every storage call, including a whole sweep, and
// for writing only by Start and Shutdown. Shutdown therefore waits for
// in-flight writes to land before it releases the handle.
type Manager struct {
	open    Opener
	backend string
	ttl     TTLPolicy
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu    sync.RWMutex
	store Store

	stopping    atomic.Bool
	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
}

// NewManager builds a manager and opens its storage.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	if opts.Open == nil {
		return nil, errors.New("cache: opener required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	backend := opts.Backend
	if backend == "" {
		backend = "custom"
	}
	m := &Manager{
		open:    opts.Open,
		backend: backend,
		ttl:     opts.TTL,
		logger:  logger.With(slog.String("agent", "cache_manager"), slog.String("backend", backend)),
		metrics: opts.Metrics,
		now:     now,
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Backend names the storage implementation.
func (m *Manager) Backend() string { return m.backend }

// Start opens storage if it is not already open.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		return nil
	}
	store, err := m.open(ctx)
	if err != nil {
		return fmt.Errorf("cache: open %s: %w", m.backend, err)
	}
	m.store = store
	m.logger.Info("cache storage opened")
	return nil
}

// Running reports whether storage is currently open.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store != nil
}

// NewEntry stamps a payload with its store time and expiry.
func (m *Manager) NewEntry(fingerprint string, reply *message.Reply, requestTTL time.Duration) Entry {
	storedAt := m.now()
	entry := Entry{
		Fingerprint: fingerprint,
		StoredAt:    storedAt,
		ExpiresAt:   m.ttl.ExpiresAt(storedAt, requestTTL, nil),
	}
	if reply != nil {
		entry.Payload = reply.Payload
		entry.StatusCode = reply.StatusCode
		entry.Headers = reply.Headers
		entry.ContentType = reply.ContentType
		entry.Size = int64(len(reply.Payload))
		entry.ExpiresAt = m.ttl.ExpiresAt(storedAt, requestTTL, reply.Headers)
	}
	return entry
}

// Fresh reports whether entry is still within its lifetime.
func (m *Manager) Fresh(entry Entry) bool {
	return !entry.Expired(m.now())
}

// Lookup reads the entry for fingerprint. Storage failures come back as
// *message.CacheError so callers can treat them as a miss.
func (m *Manager) Lookup(ctx context.Context, fingerprint string) (Entry, bool, error) {
	start := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.store == nil {
		m.metrics.ObserveCacheLookup(m.backend, metrics.CacheLookupError, time.Since(start))
		return Entry{}, false, &message.CacheError{Op: "lookup", Fingerprint: fingerprint, Err: ErrClosed}
	}
	entry, ok, err := m.store.Lookup(ctx, fingerprint)
	switch {
	case err != nil:
		m.metrics.ObserveCacheLookup(m.backend, metrics.CacheLookupError, time.Since(start))
		return Entry{}, false, &message.CacheError{Op: "lookup", Fingerprint: fingerprint, Err: err}
	case !ok:
		m.metrics.ObserveCacheLookup(m.backend, metrics.CacheLookupMiss, time.Since(start))
	case entry.Expired(m.now()):
		m.metrics.ObserveCacheLookup(m.backend, metrics.CacheLookupStale, time.Since(start))
	default:
		m.metrics.ObserveCacheLookup(m.backend, metrics.CacheLookupHit, time.Since(start))
	}
	return entry, ok, nil
}

// Store replaces or inserts the entry for fingerprint.
func (m *Manager) Store(ctx context.Context, fingerprint string, entry Entry) error {
	start := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.store == nil {
		m.metrics.ObserveCacheStore(m.backend, metrics.CacheStoreError, time.Since(start))
		return &message.CacheError{Op: "store", Fingerprint: fingerprint, Err: ErrClosed}
	}
	if entry.Fingerprint == "" {
		entry.Fingerprint = fingerprint
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = m.now()
	}
	if entry.Size == 0 {
		entry.Size = int64(len(entry.Payload))
	}
	if err := m.store.Store(ctx, fingerprint, entry); err != nil {
		m.metrics.ObserveCacheStore(m.backend, metrics.CacheStoreError, time.Since(start))
		return &message.CacheError{Op: "store", Fingerprint: fingerprint, Err: err}
	}
	m.metrics.ObserveCacheStore(m.backend, metrics.CacheStoreStored, time.Since(start))
	return nil
}

// Size returns the number of stored entries.
func (m *Manager) Size(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return 0, ErrClosed
	}
	return m.store.Size(ctx)
}

// EvictExpired removes stale entries one at a time in key order. Before each
// entry it checks for a shutdown or a cancelled ctx and stops there: entries
// already evicted stay evicted and the rest are left for the next sweep.
func (m *Manager) EvictExpired(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.store == nil {
		return SweepResult{}, ErrClosed
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.sweepMu.Lock()
	if m.sweepCancel != nil {
		m.sweepMu.Unlock()
		return SweepResult{}, ErrSweepRunning
	}
	m.sweepCancel = cancel
	m.sweepMu.Unlock()
	defer func() {
		m.sweepMu.Lock()
		m.sweepCancel = nil
		m.sweepMu.Unlock()
	}()

	var result SweepResult
	if m.stopping.Load() {
		result.Interrupted = true
		m.finishSweep(result, start, nil)
		return result, nil
	}

	candidates, err := m.store.Expired(sweepCtx, m.now())
	if err != nil && sweepCtx.Err() == nil {
		m.finishSweep(result, start, err)
		return result, fmt.Errorf("cache: list expired: %w", err)
	}
	sort.Strings(candidates)
	result.Candidates = len(candidates)

	for i, key := range candidates {
		if m.stopping.Load() || sweepCtx.Err() != nil {
			result.Interrupted = true
			result.Remaining = len(candidates) - i
			break
		}
		// The delete itself runs to completion even if a stop arrives meanwhile.
		if err := m.store.Delete(context.WithoutCancel(sweepCtx), key); err != nil {
			result.Failed++
			m.logger.Warn("cache eviction failed", slog.String("fingerprint", key), slog.Any("error", err))
			continue
		}
		result.Evicted++
	}
	m.finishSweep(result, start, nil)
	return result, nil
}

func (m *Manager) finishSweep(result SweepResult, start time.Time, err error) {
	outcome := metrics.SweepCompleted
	switch {
	case err != nil:
		outcome = metrics.SweepFailed
	case result.Interrupted:
		outcome = metrics.SweepInterrupted
	}
	m.metrics.ObserveSweep(m.backend, outcome, result.Evicted, time.Since(start))
	m.logger.Info("cache sweep finished",
		slog.String("result", string(outcome)),
		slog.Int("candidates", result.Candidates),
		slog.Int("evicted", result.Evicted),
		slog.Int("failed", result.Failed),
		slog.Int("remaining", result.Remaining),
	)
}

// Shutdown is the kill command for the cache worker: it stops a running sweep
// before its next entry, waits for in-flight stores, then releases the storage
// handle. Lookups and stores after Shutdown fail with ErrClosed until Start is
// called again.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.stopping.Store(true)
	m.sweepMu.Lock()
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
	m.sweepMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopping.Store(false)

	if m.store == nil {
		return nil
	}
	err := m.store.Close(ctx)
	m.store = nil
	m.logger.Info("cache storage released", slog.String("reason", reason))
	if err != nil {
		return fmt.Errorf("cache: close %s: %w", m.backend, err)
	}
	return nil
}
