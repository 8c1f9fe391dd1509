package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/frolleks/edgewire"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	// Gateway connection metrics
	ConnectionsActive metric.Int64UpDownCounter
	FramesReceived    metric.Int64Counter
	ProtocolErrors    metric.Int64Counter
	ZombiesClosed     metric.Int64Counter

	// Dispatch metrics
	EventsDispatched metric.Int64Counter
	EventsDropped    metric.Int64Counter

	// Ticket metrics
	TicketsMinted   metric.Int64Counter
	TicketsConsumed metric.Int64Counter

	// Presence metrics
	PresenceBroadcasts metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton instrument set, creating it on first use.
// Without an initialized meter provider the instruments are no-ops, so
// callers never need to guard on telemetry being enabled.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.ConnectionsActive, _ = meter.Int64UpDownCounter(
		"edgewire.connections.active",
		metric.WithDescription("Number of open gateway connections"),
		metric.WithUnit("{connection}"),
	)

	m.FramesReceived, _ = meter.Int64Counter(
		"edgewire.frames.received.total",
		metric.WithDescription("Total client frames received"),
		metric.WithUnit("{frame}"),
	)

	m.ProtocolErrors, _ = meter.Int64Counter(
		"edgewire.protocol.errors.total",
		metric.WithDescription("Total malformed or out-of-order client frames"),
		metric.WithUnit("{frame}"),
	)

	m.ZombiesClosed, _ = meter.Int64Counter(
		"edgewire.connections.zombies_closed.total",
		metric.WithDescription("Total connections closed for missing heartbeats"),
		metric.WithUnit("{connection}"),
	)

	m.EventsDispatched, _ = meter.Int64Counter(
		"edgewire.events.dispatched.total",
		metric.WithDescription("Total dispatch frames enqueued to connections"),
		metric.WithUnit("{event}"),
	)

	m.EventsDropped, _ = meter.Int64Counter(
		"edgewire.events.dropped.total",
		metric.WithDescription("Total dispatch frames dropped on full buffers"),
		metric.WithUnit("{event}"),
	)

	m.TicketsMinted, _ = meter.Int64Counter(
		"edgewire.tickets.minted.total",
		metric.WithDescription("Total gateway tickets minted"),
		metric.WithUnit("{ticket}"),
	)

	m.TicketsConsumed, _ = meter.Int64Counter(
		"edgewire.tickets.consumed.total",
		metric.WithDescription("Total gateway tickets redeemed successfully"),
		metric.WithUnit("{ticket}"),
	)

	m.PresenceBroadcasts, _ = meter.Int64Counter(
		"edgewire.presence.broadcasts.total",
		metric.WithDescription("Total presence updates broadcast to audiences"),
		metric.WithUnit("{update}"),
	)

	return m
}
