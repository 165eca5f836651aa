package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/v2"
	yamlv3 "go.yaml.in/yaml/v3"

	"github.com/l0p7/replyctrl/internal/expr"
	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/templates"
)

// Structured document formats.
const (
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// Document is the decoded form of a structured reply.
type Document struct {
	Format string
	Data   map[string]any
	// Items holds the document when its root is a list. Data is nil then.
	Items []any
	// Fields holds the configured projections evaluated against Data.
	Fields map[string]any
}

// StructuredConfig configures a Structured processor.
type StructuredConfig struct {
	Name    string
	Request RequestSpec
	// Format is json, yaml, toml or auto. Auto picks by content type and
	// falls back to JSON.
	Format string
	// Assertions are CEL expressions over body and reply that must all hold;
	// a failing assertion is an unexpected schema.
	Assertions []string
	// Fields maps output names to CEL expressions or templates.
	Fields map[string]string
}

type compiledField struct {
	name string
	expr expr.Expression
}

// Structured decodes JSON, YAML and TOML documents.
type Structured struct {
	name       string
	request    *requestBuilder
	format     string
	assertions []expr.Program
	fields     []compiledField
}

// NewStructured validates cfg and compiles its templates and expressions.
func NewStructured(cfg StructuredConfig, renderer *templates.Renderer) (*Structured, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("processor: structured name required")
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	switch format {
	case "":
		format = FormatAuto
	case FormatAuto, FormatJSON, FormatYAML, FormatTOML:
	case "yml":
		format = FormatYAML
	default:
		return nil, fmt.Errorf("processor %s: unsupported format %q", name, cfg.Format)
	}
	builder, err := newRequestBuilder(name, cfg.Request, renderer)
	if err != nil {
		return nil, err
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	p := &Structured{name: name, request: builder, format: format}
	for idx, source := range cfg.Assertions {
		if strings.TrimSpace(source) == "" {
			continue
		}
		program, err := env.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("processor %s: assertions[%d]: %w", name, idx, err)
		}
		p.assertions = append(p.assertions, program)
	}

	if len(cfg.Fields) > 0 {
		evaluator, err := expr.NewHybridEvaluator(renderer)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(cfg.Fields))
		for field := range cfg.Fields {
			names = append(names, field)
		}
		sort.Strings(names)
		for _, field := range names {
			compiled, err := evaluator.Compile(name+"."+field, cfg.Fields[field])
			if err != nil {
				return nil, fmt.Errorf("processor %s: fields.%s: %w", name, field, err)
			}
			p.fields = append(p.fields, compiledField{name: field, expr: compiled})
		}
	}
	return p, nil
}

func (p *Structured) Name() string { return p.name }

func (p *Structured) BuildDefaultRequest(identifier string) (*message.Request, error) {
	return p.request.build(identifier)
}

// Decode parses the payload, checks every assertion and evaluates the field
// projections.
func (p *Structured) Decode(ctx context.Context, reply *message.Reply) (any, error) {
	if err := checkReply(ctx, p.name, reply); err != nil {
		return nil, err
	}
	format := p.resolveFormat(reply.ContentType)
	parser, err := parserFor(format)
	if err != nil {
		return nil, message.NewDecodeError(p.name, err)
	}
	var body any
	data, err := parser.Unmarshal(reply.Payload)
	if err != nil {
		items, listErr := unmarshalList(format, reply.Payload)
		if listErr != nil {
			return nil, message.NewDecodeError(p.name, fmt.Errorf("parse %s: %w", format, err))
		}
		body = items
	} else {
		body = data
	}

	activation := map[string]any{
		"body":  body,
		"reply": replyContext(reply),
	}
	for _, assertion := range p.assertions {
		ok, err := assertion.EvalBool(ctx, activation)
		if err != nil {
			return nil, message.NewDecodeError(p.name, err)
		}
		if !ok {
			return nil, message.NewDecodeError(p.name, fmt.Errorf("assertion failed: %s", assertion.Source()))
		}
	}

	doc := Document{Format: format, Data: data}
	if items, ok := body.([]any); ok {
		doc.Data = nil
		doc.Items = items
	}
	if len(p.fields) > 0 {
		doc.Fields = make(map[string]any, len(p.fields))
		for _, field := range p.fields {
			value, err := field.expr.Eval(ctx, activation)
			if err != nil {
				return nil, message.NewDecodeError(p.name, fmt.Errorf("field %s: %w", field.name, err))
			}
			doc.Fields[field.name] = value
		}
	}
	return doc, nil
}

func (p *Structured) resolveFormat(contentType string) string {
	if p.format != FormatAuto {
		return p.format
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "yaml"):
		return FormatYAML
	case strings.Contains(ct, "toml"):
		return FormatTOML
	default:
		return FormatJSON
	}
}

func parserFor(format string) (koanf.Parser, error) {
	switch format {
	case FormatJSON:
		return kjson.Parser(), nil
	case FormatYAML:
		return yaml.Parser(), nil
	case FormatTOML:
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// unmarshalList decodes a JSON or YAML document whose root is a sequence.
// TOML roots are always tables.
func unmarshalList(format string, payload []byte) ([]any, error) {
	var items []any
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, err
		}
	case FormatYAML:
		if err := yamlv3.Unmarshal(payload, &items); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("format %s has no list roots", format)
	}
	if items == nil {
		return nil, errors.New("document root is not a list")
	}
	return items, nil
}

func replyContext(reply *message.Reply) map[string]any {
	headers := make(map[string]any, len(reply.Headers))
	for k, v := range reply.Headers {
		headers[k] = v
	}
	return map[string]any{
		"status":      int64(reply.StatusCode),
		"headers":     headers,
		"contentType": reply.ContentType,
		"origin":      string(reply.Origin),
		"size":        int64(len(reply.Payload)),
		"stale":       reply.Stale,
	}
}
