package expr

import (
	"context"
	"fmt"
	"strings"

	"github.com/l0p7/replyctrl/internal/templates"
)

// HybridEvaluator compiles both CEL expressions and Go templates. An
// expression containing {{ is treated as a template, anything else as CEL.
type HybridEvaluator struct {
	celEnv   *Environment
	renderer *templates.Renderer
}

// Expression is a compiled hybrid expression.
type Expression struct {
	source   string
	program  Program
	template *templates.Template
}

// NewHybridEvaluator creates an evaluator over the decode environment.
func NewHybridEvaluator(renderer *templates.Renderer) (*HybridEvaluator, error) {
	celEnv, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("hybrid: create CEL environment: %w", err)
	}
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	return &HybridEvaluator{celEnv: celEnv, renderer: renderer}, nil
}

// Compile prepares expression for repeated evaluation.
func (h *HybridEvaluator) Compile(name, expression string) (Expression, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return Expression{}, fmt.Errorf("hybrid: %s: expression required", name)
	}
	if strings.Contains(trimmed, "{{") {
		tmpl, err := h.renderer.CompileInline(name, trimmed)
		if err != nil {
			return Expression{}, fmt.Errorf("hybrid: compile template: %w", err)
		}
		return Expression{source: trimmed, template: tmpl}, nil
	}
	prog, err := h.celEnv.CompileValue(trimmed)
	if err != nil {
		return Expression{}, fmt.Errorf("hybrid: compile CEL: %w", err)
	}
	return Expression{source: trimmed, program: prog}, nil
}

// Evaluate compiles and runs expression in one step. Empty expressions
// evaluate to the empty string.
func (h *HybridEvaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return "", nil
	}
	compiled, err := h.Compile("inline", expression)
	if err != nil {
		return nil, err
	}
	return compiled.Eval(ctx, data)
}

// Source returns the original expression text.
func (e Expression) Source() string { return e.source }

// IsTemplate reports whether the expression renders through text/template.
func (e Expression) IsTemplate() bool { return e.template != nil }

// Eval runs the expression against data. Templates yield strings; CEL
// programs yield their native value.
func (e Expression) Eval(ctx context.Context, data map[string]any) (any, error) {
	if e.template != nil {
		result, err := e.template.Render(data)
		if err != nil {
			return "", fmt.Errorf("hybrid: render template: %w", err)
		}
		return result, nil
	}
	result, err := e.program.Eval(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("hybrid: evaluate CEL: %w", err)
	}
	return result, nil
}
