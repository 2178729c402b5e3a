// Package telemetry wires the Manager dispatcher's handshake, dispatch, and
// link operations to OpenTelemetry tracing/metrics. This is ambient
// observability, not a federation or replay feature, so it is carried
// despite the specification's non-goal excluding cross-Manager federation:
// nothing here talks to another Manager, it only instruments this one.
//
// No exporter is configured: the global otel providers default to no-ops
// unless a host process registers real ones, so this package adds
// negligible overhead when telemetry is not wired up by the embedding
// application, matching how the teacher's own dependency on
// go.opentelemetry.io/otel is present but unconfigured.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mslnz/msl-network-go/internal/manager"

// Telemetry bundles the handful of instruments the dispatcher reports
// through.
type Telemetry struct {
	tracer           trace.Tracer
	handshakes       metric.Int64Counter
	dispatched       metric.Int64Counter
	linkRejections   metric.Int64Counter
}

// New constructs a Telemetry instance from the process-global otel
// providers. If instrument creation fails (it cannot with the no-op
// providers, but a real SDK could reject bad names) the corresponding
// counters are left nil and Telemetry's methods become no-ops.
func New() *Telemetry {
	meter := otel.Meter(instrumentationName)
	t := &Telemetry{tracer: otel.Tracer(instrumentationName)}

	if c, err := meter.Int64Counter("manager.handshakes.total"); err == nil {
		t.handshakes = c
	}
	if c, err := meter.Int64Counter("manager.requests.dispatched"); err == nil {
		t.dispatched = c
	}
	if c, err := meter.Int64Counter("manager.links.rejected"); err == nil {
		t.linkRejections = c
	}
	return t
}

// StartHandshake opens a span around a peer's authentication step; the
// Manager ends it before the identify prompt is sent.
func (t *Telemetry) StartHandshake(ctx context.Context, addr string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "handshake", trace.WithAttributes(attribute.String("peer.address", addr)))
}

// RecordHandshake increments the handshake counter with an ok/failed
// attribute.
func (t *Telemetry) RecordHandshake(ctx context.Context, ok bool) {
	if t.handshakes == nil {
		return
	}
	t.handshakes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

// RecordDispatch increments the dispatched-request counter.
func (t *Telemetry) RecordDispatch(ctx context.Context) {
	if t.dispatched == nil {
		return
	}
	t.dispatched.Add(ctx, 1)
}

// RecordLinkRejection increments the link-saturation counter.
func (t *Telemetry) RecordLinkRejection(ctx context.Context) {
	if t.linkRejections == nil {
		return
	}
	t.linkRejections.Add(ctx, 1)
}

// StartDispatch opens a span around one envelope's classify-and-route
// step.
func (t *Telemetry) StartDispatch(ctx context.Context, kind string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "dispatch."+kind)
}
