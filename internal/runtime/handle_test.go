package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/replyctrl/internal/message"
)

func TestHandleCompletesOnce(t *testing.T) {
	req := message.NewRequest("https://example.com/icon.png")
	handle := newHandle(req)
	require.NotEmpty(t, handle.ID())
	require.Same(t, req, handle.Request())

	_, done := handle.Result()
	require.False(t, done)

	first := message.Failed(req, errors.New("first"), nil)
	require.True(t, handle.complete(first))
	require.False(t, handle.complete(message.Succeeded(req, &message.Reply{})))

	select {
	case <-handle.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
	env, done := handle.Result()
	require.True(t, done)
	require.EqualError(t, env.Err, "first")

	env, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, message.StatusFailed, env.Status)
}

func TestHandleWaitHonorsContext(t *testing.T) {
	handle := newHandle(message.NewRequest("https://example.com"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := handle.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotEqual(t, handle.ID(), newHandle(handle.Request()).ID())
}
