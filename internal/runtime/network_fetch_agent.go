package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/runtime/pipeline"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxBodyBytes = 8 << 20
)

var errBodyTooLarge = errors.New("response body exceeds limit")

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// networkFetchAgent performs the upstream exchange for requests the cache did
// not answer. It only captures the reply; storing and decoding happen in later
// stages.
type networkFetchAgent struct {
	client       httpDoer
	timeout      time.Duration
	maxBodyBytes int64
	userAgent    string
	now          func() time.Time
	logger       *slog.Logger
}

func newNetworkFetchAgent(client httpDoer, opts TransportOptions, now func() time.Time, logger *slog.Logger) *networkFetchAgent {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &networkFetchAgent{
		client:       client,
		timeout:      timeout,
		maxBodyBytes: maxBody,
		userAgent:    strings.TrimSpace(opts.UserAgent),
		now:          now,
		logger:       logger,
	}
}

func (a *networkFetchAgent) Name() string { return "network_fetch" }

// Execute fetches the request target. Connection errors, timeouts and non-2xx
// statuses fail the request with *message.TransportError.
func (a *networkFetchAgent) Execute(ctx context.Context, state *pipeline.State) pipeline.Result {
	if state.Phase == pipeline.PhaseCacheHit {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "answered from cache"}
	}
	if err := state.Advance(pipeline.PhaseNetworkFetch); err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	if a.client == nil {
		err := &message.TransportError{Target: state.Request.Target, Err: errors.New("http client missing")}
		a.fail(state, err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}

	target, err := state.Request.URL()
	if err != nil {
		transportErr := &message.TransportError{Target: state.Request.Target, Err: err}
		a.fail(state, transportErr)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: transportErr.Error()}
	}
	state.Network.Requested = true
	state.Network.URL = target.String()

	fetchCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var body io.Reader
	if state.Request.Body != "" {
		body = strings.NewReader(state.Request.Body)
	}
	req, err := http.NewRequestWithContext(fetchCtx, state.Request.EffectiveMethod(), target.String(), body)
	if err != nil {
		transportErr := &message.TransportError{Target: state.Network.URL, Err: fmt.Errorf("build request: %w", err)}
		a.fail(state, transportErr)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: transportErr.Error()}
	}
	if body != nil {
		snap := state.Request.Body
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(snap)), nil
		}
	}
	for name, value := range state.Request.Headers {
		if strings.TrimSpace(value) != "" {
			req.Header.Set(name, value)
		}
	}
	if a.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		state.Network.Duration = time.Since(start)
		transportErr := &message.TransportError{Target: state.Network.URL, Timeout: isTimeout(fetchCtx, err), Err: err}
		a.fail(state, transportErr)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: transportErr.Error()}
	}

	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, a.maxBodyBytes+1))
	closeErr := resp.Body.Close()
	state.Network.Duration = time.Since(start)
	state.Network.Status = resp.StatusCode
	state.Network.Bytes = len(payload)

	switch {
	case readErr != nil:
		err = &message.TransportError{Target: state.Network.URL, Timeout: isTimeout(fetchCtx, readErr), Err: fmt.Errorf("read body: %w", readErr)}
	case int64(len(payload)) > a.maxBodyBytes:
		err = &message.TransportError{Target: state.Network.URL, Err: fmt.Errorf("%w (%d bytes)", errBodyTooLarge, a.maxBodyBytes)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		err = &message.TransportError{Target: state.Network.URL, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	case closeErr != nil:
		a.logger.Debug("response body close failed", slog.Any("error", closeErr))
	}
	if err != nil {
		a.fail(state, err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error(), Meta: map[string]any{"status": resp.StatusCode}}
	}

	headers := captureResponseHeaders(resp.Header)
	state.Reply = &message.Reply{
		Payload:     payload,
		StatusCode:  resp.StatusCode,
		Headers:     headers,
		ContentType: headers["content-type"],
		Origin:      message.OriginNetwork,
		ReceivedAt:  a.now(),
	}
	return pipeline.Result{
		Name:   a.Name(),
		Status: "fetched",
		Meta:   map[string]any{"status": resp.StatusCode, "bytes": len(payload)},
	}
}

func (a *networkFetchAgent) fail(state *pipeline.State, err error) {
	state.Network.Error = err.Error()
	state.Fail(err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// captureResponseHeaders converts http.Header to a map[string]string,
// taking only the first value of each header and lowercasing header names.
func captureResponseHeaders(header http.Header) map[string]string {
	headers := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	return headers
}
