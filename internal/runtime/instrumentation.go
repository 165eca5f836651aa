package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/replyctrl/internal/runtime/pipeline"
)

type instrumentedAgent struct {
	inner  pipeline.Agent
	logger *slog.Logger
}

func (a *instrumentedAgent) Name() string { return a.inner.Name() }

func (a *instrumentedAgent) Execute(ctx context.Context, state *pipeline.State) pipeline.Result {
	start := time.Now()
	result := a.inner.Execute(ctx, state)
	duration := time.Since(start)

	attrs := []slog.Attr{
		slog.String("status", result.Status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if state != nil {
		attrs = append(attrs, slog.String("phase", string(state.Phase)))
		if state.Processor != "" {
			attrs = append(attrs, slog.String("processor", state.Processor))
		}
		if state.Fingerprint != "" {
			attrs = append(attrs, slog.String("fingerprint", state.Fingerprint))
		}
		if state.CorrelationID != "" {
			attrs = append(attrs, slog.String("correlation_id", state.CorrelationID))
		}
	}
	if result.Details != "" {
		attrs = append(attrs, slog.String("details", result.Details))
	}
	if len(result.Meta) > 0 {
		attrs = append(attrs, slog.Any("meta", result.Meta))
	}

	a.logger.LogAttrs(ctx, slog.LevelInfo, "agent executed", attrs...)
	return result
}

func instrumentAgents(logger *slog.Logger, agents ...pipeline.Agent) []pipeline.Agent {
	wrapped := make([]pipeline.Agent, 0, len(agents))
	for _, ag := range agents {
		if ag == nil {
			continue
		}
		wrapped = append(wrapped, &instrumentedAgent{
			inner:  ag,
			logger: logger.With(slog.String("component", "runtime"), slog.String("agent", ag.Name())),
		})
	}
	return wrapped
}
