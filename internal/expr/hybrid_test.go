package expr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/replyctrl/internal/templates"
)

func decodeActivation() map[string]any {
	return map[string]any{
		"body": map[string]any{
			"city":    "Oslo",
			"current": map[string]any{"temp": -3.5, "icon": "snow"},
		},
		"reply": map[string]any{
			"status":  int64(200),
			"origin":  "network",
			"headers": map[string]any{"content-type": "application/json"},
		},
	}
}

func TestHybridEvaluatorCEL(t *testing.T) {
	evaluator, err := NewHybridEvaluator(templates.NewRenderer(nil))
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{name: "string field", expression: "body.city", want: "Oslo"},
		{name: "nested number", expression: "body.current.temp", want: -3.5},
		{name: "reply status", expression: "reply.status", want: int64(200)},
		{name: "boolean", expression: `reply.origin == "network"`, want: true},
		{name: "header", expression: `reply.headers["content-type"]`, want: "application/json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(context.Background(), tt.expression, decodeActivation())
			require.NoError(t, err)
			require.Equal(t, tt.want, result)
		})
	}
}

func TestHybridEvaluatorTemplate(t *testing.T) {
	evaluator, err := NewHybridEvaluator(nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		want       string
	}{
		{name: "interpolation", expression: "{{ .body.city }}", want: "Oslo"},
		{name: "concatenation", expression: "{{ .body.city }}: {{ .body.current.icon }}", want: "Oslo: snow"},
		{name: "sprig helper", expression: "{{ .body.city | upper }}", want: "OSLO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(context.Background(), tt.expression, decodeActivation())
			require.NoError(t, err)
			require.Equal(t, tt.want, result)
		})
	}
}

func TestHybridEvaluatorCompile(t *testing.T) {
	evaluator, err := NewHybridEvaluator(nil)
	require.NoError(t, err)

	celExpr, err := evaluator.Compile("city", "body.city")
	require.NoError(t, err)
	require.False(t, celExpr.IsTemplate())
	require.Equal(t, "body.city", celExpr.Source())

	tmplExpr, err := evaluator.Compile("label", "{{ .body.city }}")
	require.NoError(t, err)
	require.True(t, tmplExpr.IsTemplate())

	for _, compiled := range []Expression{celExpr, tmplExpr} {
		value, err := compiled.Eval(context.Background(), decodeActivation())
		require.NoError(t, err)
		require.Equal(t, "Oslo", value)
	}

	_, err = evaluator.Compile("broken", "body.")
	require.Error(t, err)
	_, err = evaluator.Compile("empty", " ")
	require.Error(t, err)
}

func TestHybridEvaluatorEmpty(t *testing.T) {
	evaluator, err := NewHybridEvaluator(nil)
	require.NoError(t, err)

	result, err := evaluator.Evaluate(context.Background(), "   ", nil)
	require.NoError(t, err)
	require.Empty(t, result)
}
