package message

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCachePolicy(t *testing.T) {
	tests := []struct {
		raw     string
		want    CachePolicy
		wantErr bool
	}{
		{raw: "", want: CacheFirst},
		{raw: "cache-first", want: CacheFirst},
		{raw: " Network-Only ", want: CacheNetworkOnly},
		{raw: "cache-if-fresh", want: CacheIfFresh},
		{raw: "stale-while-revalidate", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseCachePolicy(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
	require.False(t, CacheNetworkOnly.UsesCache())
	require.True(t, CacheFirst.UsesCache())
	require.True(t, CacheIfFresh.UsesCache())
}

func TestRequestValidate(t *testing.T) {
	var nilReq *Request
	require.Error(t, nilReq.Validate())
	require.Error(t, (&Request{}).Validate())
	require.Error(t, (&Request{Target: "http://[::1"}).Validate())
	require.Error(t, (&Request{Target: "http://example.com", Policy: "sometimes"}).Validate())
	require.NoError(t, NewRequest("http://example.com/a").Validate())
}

func TestRequestDefaults(t *testing.T) {
	req := &Request{Target: "http://example.com"}
	require.Equal(t, "GET", req.EffectiveMethod())
	require.Equal(t, CacheFirst, req.EffectivePolicy())

	req.Method = " post "
	req.Policy = CacheIfFresh
	require.Equal(t, "POST", req.EffectiveMethod())
	require.Equal(t, CacheIfFresh, req.EffectivePolicy())
}

func TestRequestURLMergesQuery(t *testing.T) {
	req := &Request{Target: "http://example.com/icons?size=16", Query: map[string]string{"size": "32", "theme": "dark"}}
	u, err := req.URL()
	require.NoError(t, err)
	require.Equal(t, "32", u.Query().Get("size"))
	require.Equal(t, "dark", u.Query().Get("theme"))
}

func TestFingerprint(t *testing.T) {
	base := func() *Request {
		return &Request{
			Target:  "http://example.com/icons/star.png",
			Headers: map[string]string{"Accept": "image/png"},
			Query:   map[string]string{"b": "2", "a": "1"},
		}
	}
	fp := base().Fingerprint()
	require.Len(t, fp, 16)
	require.Equal(t, fp, base().Fingerprint(), "fingerprint must be deterministic")

	sameQueryOtherOrder := base()
	sameQueryOtherOrder.Query = map[string]string{"a": "1", "b": "2"}
	require.Equal(t, fp, sameQueryOtherOrder.Fingerprint())

	withSession := base()
	withSession.Headers["X-Request-ID"] = "abc"
	withSession.Headers["traceparent"] = "00-01"
	require.Equal(t, fp, withSession.Fingerprint(), "session headers are ignored")

	variants := map[string]func(*Request){
		"method": func(r *Request) { r.Method = "POST" },
		"target": func(r *Request) { r.Target = "http://example.com/icons/moon.png" },
		"query":  func(r *Request) { r.Query["a"] = "9" },
		"header": func(r *Request) { r.Headers["Accept"] = "image/gif" },
		"body":   func(r *Request) { r.Body = "{}" },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			req := base()
			mutate(req)
			require.NotEqual(t, fp, req.Fingerprint())
		})
	}
}

func TestFingerprintSeparatorsInValues(t *testing.T) {
	smuggled := &Request{
		Target:  "http://example.com/me",
		Headers: map[string]string{"accept": "json|authorization:tokenB"},
	}
	split := &Request{
		Target:  "http://example.com/me",
		Headers: map[string]string{"accept": "json", "authorization": "tokenB"},
	}
	require.NotEqual(t, smuggled.Fingerprint(), split.Fingerprint())

	headerTail := &Request{
		Target:  "http://example.com/me",
		Headers: map[string]string{"x-tenant": "a|b"},
	}
	bodyHead := &Request{
		Target:  "http://example.com/me",
		Headers: map[string]string{"x-tenant": "a"},
		Body:    "b|",
	}
	require.NotEqual(t, headerTail.Fingerprint(), bodyHead.Fingerprint())

	emptyValue := &Request{Target: "http://example.com/me", Headers: map[string]string{"x-a": ""}}
	noHeaders := &Request{Target: "http://example.com/me"}
	require.NotEqual(t, emptyValue.Fingerprint(), noHeaders.Fingerprint())
}

func TestRequestCloneIsDeep(t *testing.T) {
	req := sampleRequest()
	clone := req.Clone()
	clone.Headers["Accept"] = "text/plain"
	clone.Query["a"] = "changed"
	require.Equal(t, "image/png", req.Headers["Accept"])
	require.Equal(t, "1", req.Query["a"])

	var nilReq *Request
	require.Nil(t, nilReq.Clone())
}

func sampleRequest() *Request {
	return &Request{
		Target:  "http://example.com",
		Headers: map[string]string{"Accept": "image/png"},
		Query:   map[string]string{"a": "1"},
	}
}

func TestEnvelopeConstructors(t *testing.T) {
	req := NewRequest("http://example.com")
	reply := &Reply{Payload: []byte("ok"), Origin: OriginNetwork}

	ok := Succeeded(req, reply)
	require.True(t, ok.OK())
	require.NoError(t, ok.Err)
	require.Same(t, req, ok.Request)
	require.Same(t, reply, ok.Reply)

	failed := Failed(req, nil, nil)
	require.False(t, failed.OK())
	require.Equal(t, StatusFailed, failed.Status)
	require.Error(t, failed.Err, "failed envelopes always carry a cause")
	require.Same(t, req, failed.Request)
}

func TestReplyAccessors(t *testing.T) {
	var nilReply *Reply
	require.Zero(t, nilReply.Size())
	require.Empty(t, nilReply.Header("content-type"))

	reply := &Reply{Payload: []byte("abc"), Headers: map[string]string{"content-type": "text/plain"}}
	require.Equal(t, 3, reply.Size())
	require.Equal(t, "text/plain", reply.Header("content-type"))
}

func TestErrorClassification(t *testing.T) {
	transport := fmt.Errorf("wrapped: %w", &TransportError{Target: "http://x", StatusCode: 503})
	require.True(t, IsTransport(transport))
	require.False(t, IsDecode(transport))
	require.Contains(t, transport.Error(), "status 503")

	timeout := &TransportError{Target: "http://x", Timeout: true, Err: context.DeadlineExceeded}
	require.ErrorIs(t, timeout, context.DeadlineExceeded)
	require.Contains(t, timeout.Error(), "timed out")

	cause := errors.New("bad magic")
	decode := NewDecodeError("icon", cause)
	require.True(t, IsDecode(decode))
	require.ErrorIs(t, decode, cause)
	require.Same(t, decode, NewDecodeError("other", decode), "existing decode errors are not rewrapped")
	require.NoError(t, NewDecodeError("icon", nil))

	cacheErr := &CacheError{Op: "lookup", Fingerprint: "fp", Err: cause}
	require.ErrorIs(t, cacheErr, cause)
	require.Contains(t, cacheErr.Error(), "lookup fp")
}
