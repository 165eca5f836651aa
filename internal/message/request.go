package message

import (
	"fmt"
	"hash/fnv"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CachePolicy tells the dispatcher whether the cache may answer a request.
type CachePolicy string

const (
	// CacheNetworkOnly skips the cache lookup. Successful fetches are still stored.
	CacheNetworkOnly CachePolicy = "network-only"
	// CacheFirst answers from any stored entry, stale or not, before touching the network.
	CacheFirst CachePolicy = "cache-first"
	// CacheIfFresh answers from the cache only while the stored entry has not expired.
	CacheIfFresh CachePolicy = "cache-if-fresh"
)

// ParseCachePolicy normalizes a configured policy name. Empty input maps to CacheFirst.
func ParseCachePolicy(raw string) (CachePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(CacheFirst):
		return CacheFirst, nil
	case string(CacheNetworkOnly):
		return CacheNetworkOnly, nil
	case string(CacheIfFresh):
		return CacheIfFresh, nil
	default:
		return "", fmt.Errorf("message: unsupported cache policy %q", raw)
	}
}

// UsesCache reports whether the policy allows a cache lookup.
func (p CachePolicy) UsesCache() bool {
	return p == CacheFirst || p == CacheIfFresh
}

// sessionHeaders never contribute to a fingerprint.
var sessionHeaders = map[string]struct{}{
	"traceparent":      {},
	"tracestate":       {},
	"x-request-id":     {},
	"x-correlation-id": {},
	"x-request-start":  {},
	"user-agent":       {},
}

// Request describes one outbound fetch. Treat it as immutable once it has been
// handed to the dispatcher.
type Request struct {
	Method  string
	Target  string
	Headers map[string]string
	Query   map[string]string
	Body    string
	Policy  CachePolicy
	// TTL overrides the configured cache lifetime when positive.
	TTL time.Duration
	// Identifier is the value the request was built from, if any.
	Identifier string
}

// NewRequest builds a GET request for target using the cache-first policy.
func NewRequest(target string) *Request {
	return &Request{Method: "GET", Target: target, Policy: CacheFirst}
}

// Validate checks the fields the transport cannot do without.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("message: nil request")
	}
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("message: request target required")
	}
	if _, err := url.Parse(r.Target); err != nil {
		return fmt.Errorf("message: request target: %w", err)
	}
	if r.Policy != "" {
		if _, err := ParseCachePolicy(string(r.Policy)); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveMethod returns the upper-cased method, defaulting to GET.
func (r *Request) EffectiveMethod() string {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		return "GET"
	}
	return method
}

// EffectivePolicy returns the request policy, defaulting to CacheFirst.
func (r *Request) EffectivePolicy() CachePolicy {
	if r.Policy == "" {
		return CacheFirst
	}
	return r.Policy
}

// URL resolves the target and merges the query parameters into it.
func (r *Request) URL() (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(r.Target))
	if err != nil {
		return nil, fmt.Errorf("message: parse target: %w", err)
	}
	if len(r.Query) > 0 {
		values := parsed.Query()
		for name, value := range r.Query {
			values.Set(name, value)
		}
		parsed.RawQuery = values.Encode()
	}
	return parsed, nil
}

// Fingerprint derives the cache key for the request using FNV-1a over a
// canonical form: method, url, sorted headers and body. Every component is
// length-prefixed so separators inside values cannot shift field boundaries.
// Session headers are excluded so tracing metadata does not split the cache.
func (r *Request) Fingerprint() string {
	h := fnv.New64a()
	writeField(h, r.EffectiveMethod())

	target := strings.TrimSpace(r.Target)
	if resolved, err := r.URL(); err == nil {
		target = resolved.String()
	}
	writeField(h, target)

	keys := make([]string, 0, len(r.Headers))
	for name := range r.Headers {
		if _, skip := sessionHeaders[strings.ToLower(name)]; skip {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	writeField(h, strconv.Itoa(len(keys)))
	for _, name := range keys {
		writeField(h, strings.ToLower(name))
		writeField(h, r.Headers[name])
	}
	writeField(h, r.Body)

	return fmt.Sprintf("%016x", h.Sum64())
}

func writeField(w io.Writer, value string) {
	_, _ = io.WriteString(w, strconv.Itoa(len(value)))
	_, _ = io.WriteString(w, ":")
	_, _ = io.WriteString(w, value)
}

// Clone returns a deep copy so callers can derive variants without touching a
// submitted request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = cloneStrings(r.Headers)
	out.Query = cloneStrings(r.Query)
	return &out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
