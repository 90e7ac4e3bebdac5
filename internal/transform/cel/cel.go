// Package cel projects byte events with CEL filter and transform expressions.
//
// Expressions see four variables:
//
//	key      string               the event key
//	headers  map(string, string)  last value of every header
//	value    dyn                  the JSON-decoded payload, null if it is not JSON
//	raw      bytes                the payload as received
//
// A filter must evaluate to a bool; false drops the event. A transform result
// is JSON-encoded and replaces the payload, keeping key and headers.
package cel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/sink"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxOutputBytes = 1 << 20 // 1MB
)

// Record is the event type the projector consumes and emits.
type Record = event.Event[[]byte, []byte]

// Option configures a Projector.
type Option func(*Projector)

// WithTimeout sets the maximum execution time of one expression.
func WithTimeout(d time.Duration) Option {
	return func(p *Projector) {
		p.timeout = d
	}
}

// WithMaxOutputBytes sets the maximum size of a transformed payload.
func WithMaxOutputBytes(n int) Option {
	return func(p *Projector) {
		p.maxOutputBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) {
		p.logger = logger
	}
}

// Projector filters and reshapes events. With neither expression it forwards
// events unchanged.
type Projector struct {
	filter         cel.Program
	transform      cel.Program
	timeout        time.Duration
	maxOutputBytes int
	logger         *slog.Logger

	filtered  atomic.Int64
	projected atomic.Int64
}

// NewProjector compiles the expressions. Either may be empty.
func NewProjector(filter, transform string, opts ...Option) (*Projector, error) {
	env, err := cel.NewEnv(
		cel.Variable("key", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("value", cel.DynType),
		cel.Variable("raw", cel.BytesType),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	p := &Projector{
		timeout:        defaultTimeout,
		maxOutputBytes: defaultMaxOutputBytes,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if filter != "" {
		if p.filter, err = compile(env, filter, true); err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
	}
	if transform != "" {
		if p.transform, err = compile(env, transform, false); err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
	}
	return p, nil
}

func compile(env *cel.Env, expression string, wantBool bool) (cel.Program, error) {
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if wantBool {
		if k := ast.OutputType().Kind(); k != types.BoolKind && k != types.DynKind {
			return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
		}
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return prg, nil
}

// Project evaluates the filter, then the transform, and sends the result.
func (p *Projector) Project(ctx context.Context, evt *Record, out sink.Sink[*Record]) error {
	if p.filter == nil && p.transform == nil {
		p.projected.Add(1)
		return out.Send(ctx, evt)
	}

	activation := activationFor(evt)

	if p.filter != nil {
		val, err := p.eval(ctx, p.filter, activation)
		if err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		keep, ok := val.Value().(bool)
		if !ok {
			return fmt.Errorf("filter: result %v is not a bool", val)
		}
		if !keep {
			p.filtered.Add(1)
			return nil
		}
	}

	if p.transform == nil {
		p.projected.Add(1)
		return out.Send(ctx, evt)
	}

	val, err := p.eval(ctx, p.transform, activation)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	output, err := json.Marshal(toNative(val))
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	if len(output) > p.maxOutputBytes {
		return fmt.Errorf("output size %d exceeds max %d bytes", len(output), p.maxOutputBytes)
	}

	p.projected.Add(1)
	return out.Send(ctx, event.ReplaceValue(evt, output))
}

// Filtered returns how many events the filter dropped.
func (p *Projector) Filtered() int64 { return p.filtered.Load() }

// Projected returns how many events were sent.
func (p *Projector) Projected() int64 { return p.projected.Load() }

func activationFor(evt *Record) map[string]any {
	headers := make(map[string]string)
	for _, h := range evt.Headers() {
		headers[h.Key()] = h.Value()
	}

	var value any
	if err := json.Unmarshal(evt.Value(), &value); err != nil {
		value = nil
	}

	return map[string]any{
		"key":     string(evt.Key()),
		"headers": headers,
		"value":   value,
		"raw":     evt.Value(),
	}
}

func (p *Projector) eval(ctx context.Context, prg cel.Program, activation map[string]any) (ref.Val, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		val ref.Val
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, _, err := prg.Eval(activation)
		ch <- result{val: out, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("cel eval timeout after %s: %w", p.timeout, ctx.Err())
		}
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("cel eval: %w", r.err)
		}
		return r.val, nil
	}
}

// toNative recursively converts CEL values to types json.Marshal handles.
func toNative(val ref.Val) any {
	switch v := val.(type) {
	case traits.Mapper:
		it := v.Iterator()
		m := make(map[string]any)
		for it.HasNext() == types.True {
			key := it.Next()
			m[fmt.Sprint(key.Value())] = toNative(v.Get(key))
		}
		return m
	case traits.Lister:
		it := v.Iterator()
		list := []any{}
		for it.HasNext() == types.True {
			list = append(list, toNative(it.Next()))
		}
		return list
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.String:
		return string(v)
	case types.Bool:
		return bool(v)
	case types.Null:
		return nil
	default:
		return val.Value()
	}
}
