package runtime

import (
	"context"
	"log/slog"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/runtime/cache"
	"github.com/l0p7/replyctrl/internal/runtime/pipeline"
	"github.com/l0p7/replyctrl/internal/runtime/resultcaching"
)

// cacheLookupAgent answers requests from the cache when the request's policy
// allows it.
type cacheLookupAgent struct {
	cache  *cache.Manager
	logger *slog.Logger
}

func (a *cacheLookupAgent) Name() string { return "cache_lookup" }

// Execute consults the cache. A storage failure is treated as a miss so the
// request falls through to the network.
func (a *cacheLookupAgent) Execute(ctx context.Context, state *pipeline.State) pipeline.Result {
	policy := state.Request.EffectivePolicy()
	if !policy.UsesCache() || a.cache == nil {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: string(policy)}
	}
	if err := state.Advance(pipeline.PhaseCacheLookup); err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	state.Cache.Consulted = true

	entry, ok, err := a.cache.Lookup(ctx, state.Fingerprint)
	if err != nil {
		state.Cache.LookupError = err.Error()
		a.logger.Warn("cache lookup failed, falling back to network",
			slog.String("fingerprint", state.Fingerprint),
			slog.String("correlation_id", state.CorrelationID),
			slog.Any("error", err),
		)
		return a.miss(state, "error")
	}
	if !ok {
		return a.miss(state, "miss")
	}

	stale := !a.cache.Fresh(entry)
	if stale && policy == message.CacheIfFresh {
		state.Cache.Stale = true
		return a.miss(state, "stale")
	}
	if err := state.Advance(pipeline.PhaseCacheHit); err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	state.Cache.Hit = true
	state.Cache.Stale = stale
	state.Cache.StoredAt = entry.StoredAt
	state.Cache.ExpiresAt = entry.ExpiresAt
	state.Reply = resultcaching.ReplyFromEntry(entry, stale)
	return pipeline.Result{
		Name:   a.Name(),
		Status: "hit",
		Meta:   map[string]any{"stale": stale, "bytes": len(entry.Payload)},
	}
}

func (a *cacheLookupAgent) miss(state *pipeline.State, status string) pipeline.Result {
	if err := state.Advance(pipeline.PhaseCacheMiss); err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	return pipeline.Result{Name: a.Name(), Status: status}
}
