package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*httpObserver)

// WithRequestLogger sets the logger for completion lines. Default is
// slog.Default() at the time of the request.
func WithRequestLogger(l *slog.Logger) MiddlewareOption {
	return func(o *httpObserver) { o.logger = l }
}

// WithQuietPaths logs requests to the given paths at debug instead of
// info. Probes and scrapes hit these every few seconds.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(o *httpObserver) { o.quiet = append(o.quiet, paths...) }
}

type httpObserver struct {
	metrics *Metrics
	logger  *slog.Logger
	quiet   []string
	prop    propagation.TextMapPropagator
}

// responseStatus remembers the status the handler wrote.
type responseStatus struct {
	http.ResponseWriter
	code int
}

func (w *responseStatus) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware instruments an HTTP handler. Each request gets a server span
// that continues an incoming W3C traceparent, an X-Correlation-ID header
// holding the trace id, a duration sample and one log line. Metric labels use
// the matched [http.ServeMux] pattern when there is one, so tool names in the
// path stay out of the label set. m may be nil.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	o := &httpObserver{metrics: m, prop: propagation.TraceContext{}}
	for _, opt := range opts {
		opt(o)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			o.serve(next, w, r)
		})
	}
}

func (o *httpObserver) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := o.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	if id := TraceID(ctx); id != "" {
		w.Header().Set("X-Correlation-ID", id)
	}
	o.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	r = r.WithContext(ctx)
	rw := &responseStatus{ResponseWriter: w, code: http.StatusOK}
	next.ServeHTTP(rw, r)
	elapsed := time.Since(start)

	span.SetAttributes(semconv.HTTPResponseStatusCode(rw.code))
	if rw.code >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(rw.code))
	}

	route := r.Pattern
	if route == "" {
		route = r.URL.Path
	}
	if o.metrics != nil {
		o.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", route),
			attribute.Int("status", rw.code),
		))
	}

	level := slog.LevelInfo
	switch {
	case rw.code >= http.StatusInternalServerError:
		level = slog.LevelWarn
	case slices.Contains(o.quiet, r.URL.Path):
		level = slog.LevelDebug
	}
	Logger(ctx, o.logger).LogAttrs(ctx, level, "request completed",
		slog.String("method", r.Method),
		slog.String("route", route),
		slog.Int("status", rw.code),
		slog.Duration("duration", elapsed),
	)
}
