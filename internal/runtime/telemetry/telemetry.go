// Package telemetry carries the engine's observability: Prometheus metrics,
// OpenTelemetry trace propagation through envelope extensions, delivery
// hooks and per-subscription statistics. A Telemetry value is passed
// explicitly to every component that reports.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry bundles the reporting sinks.
type Telemetry struct {
	Metrics *Metrics
	Hooks   Hooks
	Stats   *Stats

	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

type options struct {
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	hooks          Hooks
}

// Option customises New.
type Option func(*options)

// WithRegisterer registers metrics on r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithPropagator overrides the W3C trace context propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) {
		o.propagator = p
	}
}

// WithHooks merges hooks into the delivery hooks.
func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = o.hooks.Merge(h)
	}
}

// New builds a Telemetry. Metrics are created but not registered.
func New(opts ...Option) *Telemetry {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.propagator == nil {
		o.propagator = propagation.TraceContext{}
	}
	return &Telemetry{
		Metrics:    NewMetrics(o.registerer),
		Hooks:      o.hooks,
		Stats:      NewStats(),
		tracer:     o.tracerProvider.Tracer(tracerName),
		propagator: o.propagator,
	}
}

// Nop returns a Telemetry that records into a private registry and traces
// nothing.
func Nop() *Telemetry {
	return New(
		WithRegisterer(prometheus.NewRegistry()),
		WithTracerProvider(noop.NewTracerProvider()),
	)
}

// OrNop returns t, or Nop when t is nil.
func OrNop(t *Telemetry) *Telemetry {
	if t == nil {
		return Nop()
	}
	return t
}
