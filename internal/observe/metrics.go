// Package observe ties voxline to OpenTelemetry: the metric instruments of
// the call pipeline, turn and session tracing, trace-aware logging and the
// HTTP middleware of the operational server.
//
// Instruments are created from a [metric.MeterProvider]. [InitProvider]
// installs a global one backed by the Prometheus exporter; tests pass an SDK
// provider with a manual reader instead.
package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxline/internal/eventbus"
	"github.com/MrWong99/voxline/internal/fault"
)

const meterName = "github.com/MrWong99/voxline"

// Values of the outcome attribute of voxline.turns.
const (
	TurnCompleted   = "completed"
	TurnInterrupted = "interrupted"
	TurnEmpty       = "empty"
)

// Stage latencies fall between a few milliseconds and several seconds.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is the set of instruments the pipeline records on.
type Metrics struct {
	RecognitionDuration   metric.Float64Histogram // utterance to transcript
	ReasoningDuration     metric.Float64Histogram // transcript to reply text
	SynthesisFirstChunk   metric.Float64Histogram // reply text to first audio
	ResponseDuration      metric.Float64Histogram // end of speech to first audio
	ToolExecutionDuration metric.Float64Histogram
	HTTPRequestDuration   metric.Float64Histogram

	ProviderRequests    metric.Int64Counter // provider, kind, status
	ProviderErrors      metric.Int64Counter // provider, kind
	ToolCalls           metric.Int64Counter // tool, status
	Turns               metric.Int64Counter // outcome
	UtterancesDiscarded metric.Int64Counter // reason
	Faults              metric.Int64Counter // kind, component

	ActiveSessions metric.Int64UpDownCounter
}

// instruments creates instruments on one meter and collects their errors so
// that NewMetrics reports all of them at once.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) latency(dst *metric.Float64Histogram, name, desc string, buckets ...float64) {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	*dst = h
}

func (b *instruments) counter(dst *metric.Int64Counter, name, desc string) {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	*dst = c
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{}
	b := &instruments{meter: mp.Meter(meterName)}

	b.latency(&m.RecognitionDuration, "voxline.recognition.duration", "Latency of utterance recognition.", latencyBuckets...)
	b.latency(&m.ReasoningDuration, "voxline.reasoning.duration", "Latency of reply generation.", latencyBuckets...)
	b.latency(&m.SynthesisFirstChunk, "voxline.synthesis.first_chunk", "Latency from reply text to first synthesized chunk.", latencyBuckets...)
	b.latency(&m.ResponseDuration, "voxline.response.duration", "Latency from end of caller speech to first reply chunk.", latencyBuckets...)
	b.latency(&m.ToolExecutionDuration, "voxline.tool_execution.duration", "Latency of tool execution.", latencyBuckets...)
	b.latency(&m.HTTPRequestDuration, "voxline.http.request.duration", "HTTP request latency by method, path and status.")

	b.counter(&m.ProviderRequests, "voxline.provider.requests", "Engine requests by provider, kind and status.")
	b.counter(&m.ProviderErrors, "voxline.provider.errors", "Engine errors by provider and kind.")
	b.counter(&m.ToolCalls, "voxline.tool.calls", "Tool invocations by tool and status.")
	b.counter(&m.Turns, "voxline.turns", "Finished dialogue turns by outcome.")
	b.counter(&m.UtterancesDiscarded, "voxline.utterances.discarded", "Utterances dropped before recognition by reason.")
	b.counter(&m.Faults, "voxline.faults", "Faults by kind and component.")

	var err error
	m.ActiveSessions, err = b.meter.Int64UpDownCounter("voxline.active_sessions",
		metric.WithDescription("Number of live calls."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func attrs(kv ...string) metric.MeasurementOption {
	set := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		set = append(set, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(set...)
}

// RecordProviderRequest counts one engine call. kind is stt, tts or llm.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, attrs("provider", provider, "kind", kind, "status", status))
}

// RecordProviderError counts one failed engine call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, attrs("provider", provider, "kind", kind))
}

// RecordToolCall counts one tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, attrs("tool", tool, "status", status))
}

// RecordEvent updates the counters derived from session events. Other
// event types are ignored.
func (m *Metrics) RecordEvent(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.TurnCompleted:
		m.Turns.Add(ctx, 1, attrs("outcome", TurnCompleted))
	case eventbus.TurnInterrupted:
		m.Turns.Add(ctx, 1, attrs("outcome", TurnInterrupted))
	case eventbus.TranscriptEmpty:
		m.Turns.Add(ctx, 1, attrs("outcome", TurnEmpty))
	case eventbus.UtteranceDiscarded:
		m.UtterancesDiscarded.Add(ctx, 1, attrs("reason", e.Text))
	case eventbus.Fault:
		m.Faults.Add(ctx, 1, attrs("kind", fault.Label(e.Fault), "component", e.Component))
	}
}

// RecordEvents drains ch into RecordEvent until ch closes or ctx ends.
func (m *Metrics) RecordEvents(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.RecordEvent(ctx, e)
		}
	}
}
