package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/processor"
	"github.com/l0p7/replyctrl/internal/runtime/pipeline"
)

// decodeAgent hands the resolved reply to the request's processor.
type decodeAgent struct {
	processor processor.Processor
}

func (a *decodeAgent) Name() string { return "decode" }

func (a *decodeAgent) Execute(ctx context.Context, state *pipeline.State) pipeline.Result {
	if err := state.Advance(pipeline.PhaseDecode); err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	if state.Reply == nil {
		err := message.NewDecodeError(a.processor.Name(), errors.New("no reply to decode"))
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}

	decoded, err := safeDecode(ctx, a.processor, state.Reply)
	if err != nil {
		state.Fail(message.NewDecodeError(a.processor.Name(), err))
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	state.Reply.Decoded = decoded
	if err := state.Advance(pipeline.PhaseDeliveredOK); err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	return pipeline.Result{Name: a.Name(), Status: "decoded", Meta: map[string]any{"type": fmt.Sprintf("%T", decoded)}}
}

// safeDecode turns a processor panic into an error so it cannot escape the
// pipeline.
func safeDecode(ctx context.Context, p processor.Processor, reply *message.Reply) (decoded any, err error) {
	defer func() {
		if r := recover(); r != nil {
			decoded = nil
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return p.Decode(ctx, reply)
}
