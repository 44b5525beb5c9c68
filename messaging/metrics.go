package messaging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/glimte/mmate-watch/messaging"

var (
	queueKey   = attribute.Key("messaging.destination.name")
	outcomeKey = attribute.Key("mmate.watch.outcome")
	systemAttr = attribute.String("messaging.system", "rabbitmq")
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// watchMetrics holds the OTel instruments of a Watcher
type watchMetrics struct {
	deliveries        metric.Int64Counter
	acks              metric.Int64Counter
	failures          metric.Int64Counter
	staleAcks         metric.Int64Counter
	reinitializations metric.Int64Counter
	sinkDropped       metric.Int64Counter
}

// newWatchMetrics creates the instruments from the global meter provider,
// falling back to no-op instruments if one cannot be created
func newWatchMetrics() *watchMetrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)
	fallback := noop.Meter{}

	counter := func(name, description, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	return &watchMetrics{
		deliveries:        counter("mmate.watch.deliveries", "Deliveries received from the broker", "{message}"),
		acks:              counter("mmate.watch.acks", "Deliveries acknowledged", "{message}"),
		failures:          counter("mmate.watch.failures", "Deliveries whose decode or handler step failed", "{failure}"),
		staleAcks:         counter("mmate.watch.stale_acks", "Acknowledgments discarded because the channel was replaced", "{message}"),
		reinitializations: counter("mmate.watch.reinitializations", "Consumer registrations rebuilt after a shutdown signal", "{reinitialization}"),
		sinkDropped:       counter("mmate.watch.sink.dropped", "Error events dropped by a full event stream", "{event}"),
	}
}

func (m *watchMetrics) recordDelivery(ctx context.Context, queue string) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(systemAttr, queueKey.String(queue)))
}

func (m *watchMetrics) recordAck(ctx context.Context, queue string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.acks.Add(ctx, 1, metric.WithAttributes(systemAttr, queueKey.String(queue), outcomeKey.String(outcome)))
}

func (m *watchMetrics) recordFailure(ctx context.Context, queue string, err error) {
	kind := "handler"
	if IsDecodeError(err) {
		kind = "decode"
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(systemAttr, queueKey.String(queue), outcomeKey.String(kind)))
}

func (m *watchMetrics) recordStaleAck(ctx context.Context, queue string) {
	m.staleAcks.Add(ctx, 1, metric.WithAttributes(systemAttr, queueKey.String(queue)))
}

func (m *watchMetrics) recordReinitialization(ctx context.Context, queue string) {
	m.reinitializations.Add(ctx, 1, metric.WithAttributes(systemAttr, queueKey.String(queue)))
}

func (m *watchMetrics) recordSinkDropped(ctx context.Context, queue string) {
	m.sinkDropped.Add(ctx, 1, metric.WithAttributes(systemAttr, queueKey.String(queue)))
}
