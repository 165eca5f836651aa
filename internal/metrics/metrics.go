package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup CacheOperation = "lookup"
	CacheOperationStore  CacheOperation = "store"
	CacheOperationEvict  CacheOperation = "evict"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupStale CacheLookupOutcome = "stale"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	CacheStoreError  CacheStoreOutcome = "error"
)

// SweepOutcome captures how a cache sweep ended.
type SweepOutcome string

const (
	SweepCompleted   SweepOutcome = "completed"
	SweepInterrupted SweepOutcome = "interrupted"
	SweepFailed      SweepOutcome = "error"
)

// Recorder publishes Prometheus metrics for dispatcher, cache and task queue
// activity. All methods are safe on a nil receiver.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	sweeps          *prometheus.CounterVec
	evictions       *prometheus.CounterVec

	tasks       *prometheus.CounterVec
	taskLatency *prometheus.HistogramVec
	taskDropped prometheus.Counter
	queueDepth  prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replyctrl",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Requests delivered by the dispatcher, by processor, outcome and payload origin.",
	}, []string{"processor", "outcome", "origin"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "replyctrl",
		Subsystem: "dispatch",
		Name:      "request_duration_seconds",
		Help:      "Time from submission to envelope delivery.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"processor", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replyctrl",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations executed by the cache manager.",
	}, []string{"backend", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "replyctrl",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"backend", "operation", "result"})

	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replyctrl",
		Subsystem: "cache",
		Name:      "sweeps_total",
		Help:      "Expired-entry sweeps by how they ended.",
	}, []string{"backend", "result"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replyctrl",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries removed by sweeps.",
	}, []string{"backend"})

	tasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replyctrl",
		Subsystem: "queue",
		Name:      "tasks_total",
		Help:      "Deferred tasks executed by the background queue.",
	}, []string{"task", "result"})

	taskLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "replyctrl",
		Subsystem: "queue",
		Name:      "task_duration_seconds",
		Help:      "Execution time of deferred tasks.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	}, []string{"task"})

	taskDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replyctrl",
		Subsystem: "queue",
		Name:      "tasks_dropped_total",
		Help:      "Pending deferred tasks discarded at shutdown.",
	})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replyctrl",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Deferred tasks waiting to run.",
	})

	reg.MustRegister(requests, requestLatency, cacheOperations, cacheLatency, sweeps, evictions,
		tasks, taskLatency, taskDropped, queueDepth)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:        requests,
		requestLatency:  requestLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		sweeps:          sweeps,
		evictions:       evictions,
		tasks:           tasks,
		taskLatency:     taskLatency,
		taskDropped:     taskDropped,
		queueDepth:      queueDepth,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records one delivered envelope.
func (r *Recorder) ObserveRequest(processor, outcome, origin string, duration time.Duration) {
	if r == nil {
		return
	}
	processorLabel := normalizeLabel(processor)
	outcomeLabel := normalizeLabel(outcome)
	r.requests.WithLabelValues(processorLabel, outcomeLabel, normalizeLabel(origin)).Inc()
	r.requestLatency.WithLabelValues(processorLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(backend string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(backend, CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(backend string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(backend, CacheOperationStore, resultLabel, duration)
}

// ObserveSweep records a finished sweep and the entries it evicted.
func (r *Recorder) ObserveSweep(backend string, result SweepOutcome, evicted int, duration time.Duration) {
	if r == nil {
		return
	}
	backendLabel := normalizeLabel(backend)
	r.sweeps.WithLabelValues(backendLabel, normalizeLabel(string(result))).Inc()
	if evicted > 0 {
		r.evictions.WithLabelValues(backendLabel).Add(float64(evicted))
	}
	r.observeCache(backend, CacheOperationEvict, string(result), duration)
}

// ObserveTask records one executed deferred task.
func (r *Recorder) ObserveTask(task, result string, duration time.Duration) {
	if r == nil {
		return
	}
	taskLabel := normalizeLabel(task)
	r.tasks.WithLabelValues(taskLabel, normalizeLabel(result)).Inc()
	r.taskLatency.WithLabelValues(taskLabel).Observe(duration.Seconds())
}

// ObserveTasksDropped records pending tasks discarded by a shutdown.
func (r *Recorder) ObserveTasksDropped(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.taskDropped.Add(float64(count))
}

// SetQueueDepth publishes the number of pending deferred tasks.
func (r *Recorder) SetQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

func (r *Recorder) observeCache(backend string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	backendLabel := normalizeLabel(backend)
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(backendLabel, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(backendLabel, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
