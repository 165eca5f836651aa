package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/replyctrl/internal/config"
	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/processor"
	"github.com/l0p7/replyctrl/internal/runtime"
	"github.com/l0p7/replyctrl/internal/taskqueue"
)

const defaultFetchWait = 30 * time.Second

// Dispatcher is the slice of the client the host routes need.
type Dispatcher interface {
	Fetch(ctx context.Context, processorName, identifier string, cb runtime.Callback) (*runtime.Handle, error)
	Prefetch(processorName, identifier string) (string, error)
	Processors() []string
}

// Lifecycle receives the visibility and memory signals.
type Lifecycle interface {
	BecameVisible(ctx context.Context) error
	BecameInvisible() error
	Reclaim(ctx context.Context, reason string) error
	Visible() bool
}

// CacheStatus reports storage state for health checks.
type CacheStatus interface {
	Backend() string
	Running() bool
	Size(ctx context.Context) (int64, error)
}

// HandlerOptions wires the host routes.
type HandlerOptions struct {
	Client    Dispatcher
	Lifecycle Lifecycle
	Cache     CacheStatus
	Metrics   http.Handler
	Logger    *slog.Logger

	// CorrelationHeader, when set, echoes the handle id on fetch responses.
	CorrelationHeader string
	// FetchWait bounds how long a fetch waits for its envelope.
	FetchWait time.Duration
	// Skipped lists processor definitions the loader disabled.
	Skipped []config.DefinitionSkip
}

type handler struct {
	opts   HandlerOptions
	logger *slog.Logger
}

// NewHandler builds the host mux.
func NewHandler(opts HandlerOptions) (http.Handler, error) {
	if opts.Client == nil {
		return nil, errors.New("server: client required")
	}
	if opts.Lifecycle == nil {
		return nil, errors.New("server: lifecycle required")
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = defaultFetchWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{opts: opts, logger: logger.With(slog.String("agent", "http_router"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /fetch/{processor}/{identifier}", h.serveFetch)
	mux.HandleFunc("POST /prefetch/{processor}/{identifier}", h.servePrefetch)
	mux.HandleFunc("POST /lifecycle/{signal}", h.serveLifecycle)
	mux.HandleFunc("GET /healthz", h.serveHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux, nil
}

type fetchResponse struct {
	Status      message.Status `json:"status"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   string         `json:"errorKind,omitempty"`
	Processor   string         `json:"processor"`
	Fingerprint string         `json:"fingerprint"`
	Origin      message.Origin `json:"origin,omitempty"`
	Stale       bool           `json:"stale,omitempty"`
	StatusCode  int            `json:"statusCode,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	Size        int            `json:"size"`
	Decoded     any            `json:"decoded,omitempty"`
}

func (h *handler) serveFetch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("processor")
	identifier := r.PathValue("identifier")

	handle, err := h.opts.Client.Fetch(r.Context(), name, identifier, nil)
	if err != nil {
		h.writeError(w, submitStatus(err), err.Error())
		return
	}
	if h.opts.CorrelationHeader != "" {
		w.Header().Set(h.opts.CorrelationHeader, handle.ID())
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), h.opts.FetchWait)
	defer cancel()
	env, err := handle.Wait(waitCtx)
	if err != nil {
		h.writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("reply not ready: %v", err))
		return
	}

	body := fetchResponse{
		Status:      env.Status,
		Processor:   name,
		Fingerprint: env.Request.Fingerprint(),
	}
	if env.Reply != nil {
		body.Origin = env.Reply.Origin
		body.Stale = env.Reply.Stale
		body.StatusCode = env.Reply.StatusCode
		body.ContentType = env.Reply.ContentType
		body.Size = env.Reply.Size()
		body.Decoded = summarize(env.Reply.Decoded)
	}
	status := http.StatusOK
	if env.Err != nil {
		body.Error = env.Err.Error()
		body.ErrorKind, status = failureStatus(env.Err)
	}
	h.writeJSON(w, status, body)
}

func (h *handler) servePrefetch(w http.ResponseWriter, r *http.Request) {
	fingerprint, err := h.opts.Client.Prefetch(r.PathValue("processor"), r.PathValue("identifier"))
	if err != nil {
		h.writeError(w, submitStatus(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "queued",
		"fingerprint": fingerprint,
	})
}

func (h *handler) serveLifecycle(w http.ResponseWriter, r *http.Request) {
	var err error
	signal := strings.ToLower(r.PathValue("signal"))
	switch signal {
	case "visible":
		err = h.opts.Lifecycle.BecameVisible(r.Context())
	case "invisible":
		err = h.opts.Lifecycle.BecameInvisible()
	case "reclaim":
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "memory pressure"
		}
		err = h.opts.Lifecycle.Reclaim(r.Context(), reason)
	default:
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown lifecycle signal %q", signal))
		return
	}
	if err != nil {
		h.logger.Warn("lifecycle signal failed", slog.String("signal", signal), slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"signal":  signal,
		"visible": h.opts.Lifecycle.Visible(),
	})
}

func (h *handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"visible":    h.opts.Lifecycle.Visible(),
		"processors": h.opts.Client.Processors(),
		"observedAt": time.Now().UTC(),
	}
	if h.opts.Cache != nil {
		cache := map[string]any{
			"backend": h.opts.Cache.Backend(),
			"running": h.opts.Cache.Running(),
		}
		if size, err := h.opts.Cache.Size(r.Context()); err == nil {
			cache["entries"] = size
		}
		status["cache"] = cache
	}
	if len(h.opts.Skipped) > 0 {
		status["status"] = "degraded"
		status["skippedDefinitions"] = h.opts.Skipped
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *handler) writeError(w http.ResponseWriter, status int, msg string) {
	payload := map[string]any{"error": msg}
	if names := h.opts.Client.Processors(); len(names) > 0 && status == http.StatusNotFound {
		payload["availableProcessors"] = names
	}
	h.writeJSON(w, status, payload)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, processor.ErrUnknownProcessor):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, taskqueue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, taskqueue.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func failureStatus(err error) (string, int) {
	switch {
	case message.IsTransport(err):
		return "transport", http.StatusBadGateway
	case message.IsDecode(err):
		return "decode", http.StatusUnprocessableEntity
	default:
		return "request", http.StatusBadRequest
	}
}

// summarize drops raw bytes from decoded objects before they are encoded.
func summarize(decoded any) any {
	switch v := decoded.(type) {
	case nil:
		return nil
	case processor.Icon:
		return map[string]any{"format": v.Format, "width": v.Width, "height": v.Height}
	case *processor.Icon:
		return map[string]any{"format": v.Format, "width": v.Width, "height": v.Height}
	case processor.Document:
		return documentSummary(&v)
	case *processor.Document:
		return documentSummary(v)
	default:
		return v
	}
}

func documentSummary(doc *processor.Document) map[string]any {
	out := map[string]any{"format": doc.Format, "fields": doc.Fields}
	if doc.Items != nil {
		out["items"] = doc.Items
	} else {
		out["data"] = doc.Data
	}
	return out
}
