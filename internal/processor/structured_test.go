package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/replyctrl/internal/message"
)

func newForecastProcessor(t *testing.T, cfg StructuredConfig) *Structured {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "forecast"
	}
	if cfg.Request.URLTemplate == "" {
		cfg.Request.URLTemplate = "https://api.example.com/forecast/{{ .identifier }}"
	}
	p, err := NewStructured(cfg, nil)
	require.NoError(t, err)
	return p
}

func TestStructuredDecodesFormats(t *testing.T) {
	cases := []struct {
		name        string
		format      string
		contentType string
		payload     string
		wantFormat  string
	}{
		{name: "json explicit", format: FormatJSON, payload: `{"city":"Oslo","temp":3.5}`, wantFormat: FormatJSON},
		{name: "yaml explicit", format: "yml", payload: "city: Oslo\ntemp: 3.5\n", wantFormat: FormatYAML},
		{name: "toml explicit", format: FormatTOML, payload: "city = \"Oslo\"\ntemp = 3.5\n", wantFormat: FormatTOML},
		{name: "auto by content type", format: FormatAuto, contentType: "application/yaml", payload: "city: Oslo\ntemp: 3.5\n", wantFormat: FormatYAML},
		{name: "auto toml", contentType: "application/toml; charset=utf-8", payload: "city = \"Oslo\"\ntemp = 3.5\n", wantFormat: FormatTOML},
		{name: "auto falls back to json", contentType: "text/plain", payload: `{"city":"Oslo","temp":3.5}`, wantFormat: FormatJSON},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newForecastProcessor(t, StructuredConfig{Format: tc.format})
			decoded, err := p.Decode(context.Background(), &message.Reply{
				Payload:     []byte(tc.payload),
				StatusCode:  200,
				ContentType: tc.contentType,
			})
			require.NoError(t, err)
			doc, ok := decoded.(Document)
			require.True(t, ok)
			require.Equal(t, tc.wantFormat, doc.Format)
			require.Equal(t, "Oslo", doc.Data["city"])
			require.EqualValues(t, 3.5, doc.Data["temp"])
			require.Nil(t, doc.Fields)
		})
	}
}

func TestStructuredAssertionsAndFields(t *testing.T) {
	p := newForecastProcessor(t, StructuredConfig{
		Format: FormatJSON,
		Assertions: []string{
			`has(body.city)`,
			`reply.status == 200`,
		},
		Fields: map[string]string{
			"city":  `body.city`,
			"label": `{{ .body.city }} ({{ .reply.origin }})`,
			"size":  `reply.size`,
		},
	})

	payload := `{"city":"Oslo","temp":3.5}`
	decoded, err := p.Decode(context.Background(), &message.Reply{
		Payload:    []byte(payload),
		StatusCode: 200,
		Origin:     message.OriginCache,
	})
	require.NoError(t, err)
	doc := decoded.(Document)
	require.Equal(t, "Oslo", doc.Fields["city"])
	require.Equal(t, "Oslo (cache)", doc.Fields["label"])
	require.EqualValues(t, len(payload), doc.Fields["size"])

	_, err = p.Decode(context.Background(), &message.Reply{Payload: []byte(`{"temp":1}`), StatusCode: 200})
	var decodeErr *message.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, "forecast", decodeErr.Processor)
}

func TestStructuredRejectsMalformedDocuments(t *testing.T) {
	p := newForecastProcessor(t, StructuredConfig{Format: FormatJSON})
	for _, payload := range []string{`{"city":`, `<html></html>`, ``} {
		_, err := p.Decode(context.Background(), &message.Reply{Payload: []byte(payload)})
		require.Truef(t, message.IsDecode(err), "payload %q: %v", payload, err)
	}
}

func TestStructuredDecodesListRoots(t *testing.T) {
	cases := []struct {
		name    string
		format  string
		payload string
	}{
		{name: "json", format: FormatJSON, payload: `[{"city":"Oslo"},{"city":"Bergen"}]`},
		{name: "yaml", format: FormatYAML, payload: "- city: Oslo\n- city: Bergen\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newForecastProcessor(t, StructuredConfig{
				Format:     tc.format,
				Assertions: []string{"size(body) == 2"},
				Fields:     map[string]string{"first": "body[0].city"},
			})
			decoded, err := p.Decode(context.Background(), &message.Reply{Payload: []byte(tc.payload), StatusCode: 200})
			require.NoError(t, err)
			doc := decoded.(Document)
			require.Nil(t, doc.Data)
			require.Len(t, doc.Items, 2)
			require.Equal(t, "Bergen", doc.Items[1].(map[string]any)["city"])
			require.Equal(t, "Oslo", doc.Fields["first"])
		})
	}

	p := newForecastProcessor(t, StructuredConfig{Format: FormatJSON})
	_, err := p.Decode(context.Background(), &message.Reply{Payload: []byte(`"just text"`), StatusCode: 200})
	require.True(t, message.IsDecode(err), "scalar roots are rejected")
}

func TestNewStructuredValidation(t *testing.T) {
	request := RequestSpec{URLTemplate: "https://api.example.com/{{ .identifier }}"}

	_, err := NewStructured(StructuredConfig{Request: request}, nil)
	require.ErrorContains(t, err, "name required")

	_, err = NewStructured(StructuredConfig{Name: "x", Format: "xml", Request: request}, nil)
	require.ErrorContains(t, err, "unsupported format")

	_, err = NewStructured(StructuredConfig{Name: "x", Request: request, Assertions: []string{"body.city +"}}, nil)
	require.ErrorContains(t, err, "assertions[0]")

	_, err = NewStructured(StructuredConfig{Name: "x", Request: request, Fields: map[string]string{"bad": "body."}}, nil)
	require.ErrorContains(t, err, "fields.bad")

	_, err = NewStructured(StructuredConfig{Name: "x", Request: RequestSpec{URLTemplate: "https://x", Policy: "sometimes"}}, nil)
	require.ErrorContains(t, err, "cache policy")
}
