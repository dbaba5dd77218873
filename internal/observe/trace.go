package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxline"

// Span attribute keys shared by every pipeline stage.
const (
	AttrSessionID = attribute.Key("voxline.session.id")
	AttrTurnID    = attribute.Key("voxline.turn.id")
)

type sessionKey struct{}

// Tracer returns the voxline tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span under the global tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// WithSessionID tags ctx with the call session it belongs to. Turn spans
// started below ctx carry the id as an attribute.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the id set by [WithSessionID], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// StartTurnSpan starts the span for one pipeline stage of a turn, such as
// "recognize" or "synthesize".
func StartTurnSpan(ctx context.Context, stage string, turnID uint64) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrTurnID.Int64(int64(turnID))}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	return StartSpan(ctx, stage, trace.WithAttributes(attrs...))
}

// TraceID returns the hex trace id of the span in ctx, or "" when there is
// none. HTTP responses echo it as X-Correlation-ID.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns base annotated with the session id and the trace and span
// ids found in ctx. A nil base means slog.Default().
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	var args []any
	if id := SessionID(ctx); id != "" {
		args = append(args, slog.String("session_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(args) == 0 {
		return base
	}
	return base.With(args...)
}
