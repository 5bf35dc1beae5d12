// File: internal/observability/trace.go
package observability

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type traceKey struct{}

// Trace is the per-operation trace context: an id and a logger already tagged with it.
// It is read-only once created.
type Trace struct {
	ID     string
	Logger *zap.Logger
}

// NewTrace mints a trace with a fresh id. The logger gains a trace_id field.
func NewTrace(base *zap.Logger) Trace {
	if base == nil {
		base = GetLogger()
	}
	id := uuid.New().String()
	return Trace{ID: id, Logger: base.With(zap.String("trace_id", id))}
}

// WithTrace returns a child of ctx carrying t.
func WithTrace(ctx context.Context, t Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// TraceFrom returns the trace carried by ctx. The second result is false when there is none.
func TraceFrom(ctx context.Context) (Trace, bool) {
	t, ok := ctx.Value(traceKey{}).(Trace)
	return t, ok
}

// EnsureTrace returns ctx unchanged if it already carries a trace, otherwise a child
// carrying a new trace derived from base.
func EnsureTrace(ctx context.Context, base *zap.Logger) context.Context {
	if _, ok := TraceFrom(ctx); ok {
		return ctx
	}
	return WithTrace(ctx, NewTrace(base))
}

// LoggerFrom returns the trace logger carried by ctx, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if t, ok := TraceFrom(ctx); ok && t.Logger != nil {
		return t.Logger
	}
	if fallback != nil {
		return fallback
	}
	return GetLogger()
}

// Bind captures the trace active in ctx now and returns a task that, whenever it is
// invoked, runs fn with that trace re-established on the invocation context.
// The invoking context itself is not modified.
//
// Binding an already bound task keeps the first captured trace, since the innermost
// overlay is applied last.
func Bind(ctx context.Context, fn func(context.Context) error) func(context.Context) error {
	t, ok := TraceFrom(ctx)
	if !ok {
		return fn
	}
	return func(runCtx context.Context) error {
		return fn(WithTrace(runCtx, t))
	}
}

// BindEvent is Bind for event callbacks that receive a payload, such as browser
// request and response handlers fired from driver goroutines.
func BindEvent[E any](ctx context.Context, fn func(context.Context, E)) func(context.Context, E) {
	t, ok := TraceFrom(ctx)
	if !ok {
		return fn
	}
	return func(evCtx context.Context, ev E) {
		fn(WithTrace(evCtx, t), ev)
	}
}
