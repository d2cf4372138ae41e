package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// ClueLogger delegates to goa.design/clue/log, reading formatting and debug
// settings off the context the way every teacher subsystem does.
type ClueLogger struct {
	ctx context.Context
}

// NewClueLogger constructs a Logger bound to ctx, the context clue's
// log.Context / log.WithFormat / log.WithDebug configured earlier in
// process startup.
func NewClueLogger(ctx context.Context) Logger {
	return ClueLogger{ctx: ctx}
}

func (l ClueLogger) Debug(msg string, kv ...any) {
	log.Debug(l.ctx, fielders(msg, kv)...)
}

func (l ClueLogger) Info(msg string, kv ...any) {
	log.Info(l.ctx, fielders(msg, kv)...)
}

func (l ClueLogger) Warn(msg string, kv ...any) {
	fs := append([]log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}, kvToFielders(kv)...)
	log.Warn(l.ctx, fs...)
}

func (l ClueLogger) Error(msg string, kv ...any) {
	log.Error(l.ctx, nil, fielders(msg, kv)...)
}

func fielders(msg string, kv []any) []log.Fielder {
	return append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToFielders(kv)...)
}

func kvToFielders(kv []any) []log.Fielder {
	var out []log.Fielder
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, log.KV{K: key, V: kv[i+1]})
	}
	return out
}

// OTelMetrics backs Metrics with the global OTEL MeterProvider, configured
// via clue.ConfigureOpenTelemetry before the runtime starts.
type OTelMetrics struct {
	meter metric.Meter
}

// NewOTelMetrics constructs a Metrics instance under the given instrumentation name.
func NewOTelMetrics(instrumentationName string) Metrics {
	return &OTelMetrics{meter: otel.Meter(instrumentationName)}
}

func (m *OTelMetrics) Counter(name string) Counter {
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return noopCounter{}
	}
	return otelCounter{counter: c}
}

func (m *OTelMetrics) Histogram(name string) Histogram {
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return noopHistogram{}
	}
	return otelHistogram{histogram: h}
}

type otelCounter struct{ counter metric.Float64Counter }

func (c otelCounter) Add(ctx context.Context, delta float64, labels ...string) {
	c.counter.Add(ctx, delta, metric.WithAttributes(labelsToAttrs(labels)...))
}

type otelHistogram struct{ histogram metric.Float64Histogram }

func (h otelHistogram) Record(ctx context.Context, value float64, labels ...string) {
	h.histogram.Record(ctx, value, metric.WithAttributes(labelsToAttrs(labels)...))
}

func labelsToAttrs(labels []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// OTelTracer backs Tracer with the global OTEL TracerProvider.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer constructs a Tracer under the given instrumentation name.
func NewOTelTracer(instrumentationName string) Tracer {
	return &OTelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t *OTelTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name)
	return newCtx, otelSpan{span: span}
}

type otelSpan struct{ span trace.Span }

func (s otelSpan) End() { s.span.End() }

func (s otelSpan) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	}
}

func (s otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
