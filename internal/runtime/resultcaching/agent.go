package resultcaching

import (
	"context"
	"log/slog"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/runtime/cache"
	"github.com/l0p7/replyctrl/internal/runtime/pipeline"
)

// Agent persists freshly fetched replies before they are decoded, so a reply
// the processor later rejects is still cached.
type Agent struct {
	cache  *cache.Manager
	logger *slog.Logger
}

// Config controls the cache behavior for the agent.
type Config struct {
	Cache  *cache.Manager
	Logger *slog.Logger
}

// New constructs a result caching agent with the supplied configuration.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{cache: cfg.Cache, logger: logger}
}

// Name identifies the result caching agent for logging.
func (a *Agent) Name() string { return "result_caching" }

// Execute stores network replies. Store failures are logged and recorded on
// the state; they never fail the request.
func (a *Agent) Execute(ctx context.Context, state *pipeline.State) pipeline.Result {
	if state.Cache.Hit {
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "hit",
			Details: "reply retrieved from cache",
		}
	}
	if state.Reply == nil || state.Reply.Origin != message.OriginNetwork {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}
	if a.cache == nil {
		return pipeline.Result{Name: a.Name(), Status: "bypassed", Details: "no cache configured"}
	}

	entry := a.cache.NewEntry(state.Fingerprint, state.Reply, state.Request.TTL)
	if err := a.cache.Store(ctx, state.Fingerprint, entry); err != nil {
		state.Cache.StoreError = err.Error()
		logger := a.logger.With(slog.String("agent", a.Name()))
		if state.CorrelationID != "" {
			logger = logger.With(slog.String("correlation_id", state.CorrelationID))
		}
		logger.Error("cache store failed", slog.Any("error", err), slog.String("fingerprint", state.Fingerprint))
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "error",
			Details: "failed to persist reply",
		}
	}
	state.Cache.Stored = true
	state.Cache.StoredAt = entry.StoredAt
	state.Cache.ExpiresAt = entry.ExpiresAt
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "stored",
		Details: "reply cached for subsequent requests",
	}
}

// ReplyFromEntry converts a cached entry into a reply. The payload is copied
// so the processor cannot alias storage.
func ReplyFromEntry(entry cache.Entry, stale bool) *message.Reply {
	return &message.Reply{
		Payload:     append([]byte(nil), entry.Payload...),
		StatusCode:  entry.StatusCode,
		Headers:     cloneHeaders(entry.Headers),
		ContentType: entry.ContentType,
		Origin:      message.OriginCache,
		ReceivedAt:  entry.StoredAt,
		Stale:       stale,
	}
}

func cloneHeaders(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
