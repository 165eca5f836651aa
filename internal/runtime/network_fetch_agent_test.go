package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/runtime/pipeline"
)

// mockHTTPDoer implements httpDoer for testing
type mockHTTPDoer struct {
	responses []*http.Response
	errors    []error
	requests  []*http.Request
	callCount int
}

func (m *mockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	if m.callCount >= len(m.responses) {
		return nil, errors.New("no more responses configured")
	}
	resp := m.responses[m.callCount]
	err := m.errors[m.callCount]
	m.callCount++
	return resp, err
}

// mockResponseBody creates an io.ReadCloser from a string
func mockResponseBody(body string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(body))
}

func newFetchState(req *message.Request) *pipeline.State {
	return pipeline.NewState(req, "icon", "corr-1")
}

func newTestFetchAgent(client httpDoer, opts TransportOptions) *networkFetchAgent {
	return newNetworkFetchAgent(client, opts, time.Now, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNetworkFetchAgent_Execute_StatusHandling(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{name: "200 OK", statusCode: 200},
		{name: "204 No Content", statusCode: 204},
		{name: "304 Not Modified", statusCode: 304, wantErr: true},
		{name: "404 Not Found", statusCode: 404, wantErr: true},
		{name: "503 Unavailable", statusCode: 503, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &mockHTTPDoer{
				responses: []*http.Response{{
					StatusCode: tt.statusCode,
					Header:     http.Header{"Content-Type": []string{"image/png"}, "Cache-Control": []string{"max-age=60"}},
					Body:       mockResponseBody("payload"),
				}},
				errors: []error{nil},
			}
			agent := newTestFetchAgent(mockClient, TransportOptions{})
			state := newFetchState(message.NewRequest("https://icons.example.com/sun.png"))

			res := agent.Execute(context.Background(), state)

			assert.True(t, state.Network.Requested)
			assert.Equal(t, tt.statusCode, state.Network.Status)
			if tt.wantErr {
				require.Equal(t, "error", res.Status)
				require.Equal(t, pipeline.PhaseDeliveredFailed, state.Phase)
				var transportErr *message.TransportError
				require.ErrorAs(t, state.Err, &transportErr)
				require.Equal(t, tt.statusCode, transportErr.StatusCode)
				require.Nil(t, state.Reply)
				return
			}
			require.Equal(t, "fetched", res.Status)
			require.Equal(t, pipeline.PhaseNetworkFetch, state.Phase)
			require.NotNil(t, state.Reply)
			assert.Equal(t, "payload", string(state.Reply.Payload))
			assert.Equal(t, message.OriginNetwork, state.Reply.Origin)
			assert.Equal(t, "image/png", state.Reply.ContentType)
			assert.Equal(t, "max-age=60", state.Reply.Headers["cache-control"])
		})
	}
}

func TestNetworkFetchAgent_Execute_RequestShape(t *testing.T) {
	mockClient := &mockHTTPDoer{
		responses: []*http.Response{{StatusCode: 200, Header: http.Header{}, Body: mockResponseBody("{}")}},
		errors:    []error{nil},
	}
	agent := newTestFetchAgent(mockClient, TransportOptions{UserAgent: "replyctrl-test/1.0"})

	req := &message.Request{
		Method:  "post",
		Target:  "https://api.example.com/forecast?units=metric",
		Headers: map[string]string{"Accept": "application/json", "X-Empty": "  "},
		Query:   map[string]string{"city": "oslo"},
		Body:    `{"q":1}`,
	}
	state := newFetchState(req)
	agent.Execute(context.Background(), state)

	require.Len(t, mockClient.requests, 1)
	sent := mockClient.requests[0]
	assert.Equal(t, http.MethodPost, sent.Method)
	assert.Equal(t, "oslo", sent.URL.Query().Get("city"))
	assert.Equal(t, "metric", sent.URL.Query().Get("units"))
	assert.Equal(t, "application/json", sent.Header.Get("Accept"))
	assert.Empty(t, sent.Header.Get("X-Empty"))
	assert.Equal(t, "replyctrl-test/1.0", sent.Header.Get("User-Agent"))

	body, err := sent.GetBody()
	require.NoError(t, err)
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, `{"q":1}`, string(raw))
}

func TestNetworkFetchAgent_Execute_ConnectionErrors(t *testing.T) {
	mockClient := &mockHTTPDoer{
		responses: []*http.Response{nil, nil},
		errors:    []error{errors.New("connection refused"), context.DeadlineExceeded},
	}
	agent := newTestFetchAgent(mockClient, TransportOptions{})

	state := newFetchState(message.NewRequest("https://icons.example.com/sun.png"))
	agent.Execute(context.Background(), state)
	var transportErr *message.TransportError
	require.ErrorAs(t, state.Err, &transportErr)
	assert.False(t, transportErr.Timeout)
	assert.Contains(t, state.Network.Error, "connection refused")

	state = newFetchState(message.NewRequest("https://icons.example.com/sun.png"))
	agent.Execute(context.Background(), state)
	require.ErrorAs(t, state.Err, &transportErr)
	assert.True(t, transportErr.Timeout)
}

func TestNetworkFetchAgent_Execute_BodyLimit(t *testing.T) {
	mockClient := &mockHTTPDoer{
		responses: []*http.Response{{StatusCode: 200, Header: http.Header{}, Body: mockResponseBody(strings.Repeat("x", 11))}},
		errors:    []error{nil},
	}
	agent := newTestFetchAgent(mockClient, TransportOptions{MaxBodyBytes: 10})
	state := newFetchState(message.NewRequest("https://icons.example.com/big.png"))

	agent.Execute(context.Background(), state)

	require.ErrorIs(t, state.Err, errBodyTooLarge)
	require.True(t, message.IsTransport(state.Err))
}

func TestNetworkFetchAgent_Execute_SkipsCacheHit(t *testing.T) {
	mockClient := &mockHTTPDoer{}
	agent := newTestFetchAgent(mockClient, TransportOptions{})
	state := newFetchState(message.NewRequest("https://icons.example.com/sun.png"))
	require.NoError(t, state.Advance(pipeline.PhaseCacheLookup))
	require.NoError(t, state.Advance(pipeline.PhaseCacheHit))

	res := agent.Execute(context.Background(), state)

	require.Equal(t, "skipped", res.Status)
	require.Zero(t, mockClient.callCount)
	require.Empty(t, mockClient.requests)
}

func TestCaptureResponseHeadersLowercasesNames(t *testing.T) {
	headers := captureResponseHeaders(http.Header{
		"Content-Type": []string{"image/png", "ignored"},
		"X-Empty":      nil,
	})
	require.Equal(t, map[string]string{"content-type": "image/png"}, headers)
}
