// Package processor turns raw reply payloads into domain objects and builds
// the default request for an identifier.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/templates"
)

// Processor is the capability the dispatcher drives. Implementations carry
// only immutable configuration so one value can decode many replies at once.
type Processor interface {
	Name() string
	// Decode interprets reply without modifying it. Malformed payloads fail
	// with *message.DecodeError.
	Decode(ctx context.Context, reply *message.Reply) (any, error)
	// BuildDefaultRequest is pure: the same identifier always yields an
	// equivalent request, and therefore the same fingerprint.
	BuildDefaultRequest(identifier string) (*message.Request, error)
}

// RequestSpec describes how a processor builds its default request.
type RequestSpec struct {
	// URLTemplate is rendered with {"identifier": id}.
	URLTemplate     string
	URLTemplateFile string
	Method          string
	Headers         map[string]string
	Query           map[string]string
	Policy          message.CachePolicy
	TTL             time.Duration
}

type requestBuilder struct {
	target  *templates.Template
	method  string
	headers map[string]string
	query   map[string]string
	policy  message.CachePolicy
	ttl     time.Duration
}

func newRequestBuilder(name string, spec RequestSpec, renderer *templates.Renderer) (*requestBuilder, error) {
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	var (
		tmpl *templates.Template
		err  error
	)
	switch {
	case strings.TrimSpace(spec.URLTemplate) != "":
		tmpl, err = renderer.CompileInline(name+".url", spec.URLTemplate)
	case strings.TrimSpace(spec.URLTemplateFile) != "":
		tmpl, err = renderer.CompileFile(spec.URLTemplateFile)
	default:
		return nil, fmt.Errorf("processor %s: url template required", name)
	}
	if err != nil {
		return nil, fmt.Errorf("processor %s: %w", name, err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("processor %s: url template is empty", name)
	}
	policy := spec.Policy
	if policy == "" {
		policy = message.CacheFirst
	}
	if _, err := message.ParseCachePolicy(string(policy)); err != nil {
		return nil, fmt.Errorf("processor %s: %w", name, err)
	}
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = "GET"
	}
	return &requestBuilder{
		target:  tmpl,
		method:  method,
		headers: cloneStrings(spec.Headers),
		query:   cloneStrings(spec.Query),
		policy:  policy,
		ttl:     spec.TTL,
	}, nil
}

func (b *requestBuilder) build(identifier string) (*message.Request, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, errors.New("processor: identifier required")
	}
	rendered, err := b.target.Render(map[string]any{"identifier": identifier})
	if err != nil {
		return nil, err
	}
	rendered = strings.TrimSpace(rendered)
	parsed, err := url.Parse(rendered)
	if err != nil {
		return nil, fmt.Errorf("processor: rendered url %q: %w", rendered, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("processor: rendered url %q is not absolute", rendered)
	}
	return &message.Request{
		Method:     b.method,
		Target:     rendered,
		Headers:    cloneStrings(b.headers),
		Query:      cloneStrings(b.query),
		Policy:     b.policy,
		TTL:        b.ttl,
		Identifier: identifier,
	}, nil
}

func cloneStrings(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func checkReply(ctx context.Context, name string, reply *message.Reply) error {
	if err := ctx.Err(); err != nil {
		return message.NewDecodeError(name, err)
	}
	if reply == nil {
		return message.NewDecodeError(name, errors.New("nil reply"))
	}
	if len(reply.Payload) == 0 {
		return message.NewDecodeError(name, errors.New("empty payload"))
	}
	return nil
}
