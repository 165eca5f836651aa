package expr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

const (
	// defaultCostLimit bounds a single evaluation so an assertion cannot walk
	// a huge document indefinitely.
	defaultCostLimit = 1_000_000
	// interruptEvery is how many comprehension iterations run between checks
	// of the evaluation context.
	interruptEvery = 100
)

// Environment compiles CEL programs evaluated against a decoded reply.
type Environment struct {
	env       *cel.Env
	costLimit uint64
}

// NewEnvironment declares the CEL variables exposed to decode assertions and
// field extraction:
//
//	body   the decoded document
//	reply  status, headers, contentType, origin, size and stale of the raw reply
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("body", cel.DynType),
		cel.Variable("reply", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env, costLimit: defaultCostLimit}, nil
}

// Program is a compiled CEL expression.
type Program struct {
	source   string
	program  cel.Program
	wantBool bool
}

// Compile prepares an assertion. The expression must type-check to bool, or
// to dyn when the answer depends on the document.
func (e *Environment) Compile(expression string) (Program, error) {
	return e.compile(expression, true)
}

// CompileValue prepares an expression that may yield any value.
func (e *Environment) CompileValue(expression string) (Program, error) {
	return e.compile(expression, false)
}

// Source returns the trimmed expression text.
func (p Program) Source() string { return p.source }

// EvalBool runs an assertion. A cancelled ctx aborts long comprehensions.
func (p Program) EvalBool(ctx context.Context, vars map[string]any) (bool, error) {
	if !p.wantBool {
		return false, fmt.Errorf("expr: program %q does not return a boolean", p.source)
	}
	val, err := p.eval(ctx, vars)
	if err != nil {
		return false, err
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	if val.Type() == types.BoolType {
		if b, ok := val.Value().(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %s", p.source, val.Type().TypeName())
}

// Eval runs the program and converts the result to plain Go values: lists
// become []any and maps become map[string]any.
func (p Program) Eval(ctx context.Context, vars map[string]any) (any, error) {
	val, err := p.eval(ctx, vars)
	if err != nil {
		return nil, err
	}
	return nativeValue(val)
}

func (p Program) eval(ctx context.Context, vars map[string]any) (ref.Val, error) {
	if p.program == nil {
		return nil, errors.New("expr: program not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	val, _, err := p.program.ContextEval(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	return val, nil
}

func (e *Environment) compile(expression string, wantBool bool) (Program, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return Program{}, errors.New("expr: expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if wantBool {
		if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
			return Program{}, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(t))
		}
	}
	program, err := e.env.Program(ast,
		cel.CostLimit(e.costLimit),
		cel.InterruptCheckFrequency(interruptEvery),
	)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return Program{source: source, program: program, wantBool: wantBool}, nil
}

func nativeValue(val ref.Val) (any, error) {
	switch v := val.(type) {
	case traits.Lister:
		size, ok := v.Size().(types.Int)
		if !ok {
			return nil, errors.New("expr: list without size")
		}
		out := make([]any, 0, int(size))
		for i := types.Int(0); i < size; i++ {
			item, err := nativeValue(v.Get(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case traits.Mapper:
		out := make(map[string]any)
		it := v.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			item, err := nativeValue(v.Get(key))
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(key.Value())] = item
		}
		return out, nil
	case types.Null:
		return nil, nil
	default:
		return val.Value(), nil
	}
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
