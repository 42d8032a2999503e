package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/restodesk"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Authorization metrics
	AuthzDecisionsTotal metric.Int64Counter

	// Channel client metrics
	ChannelConnectAttemptsTotal   metric.Int64Counter
	ChannelReconnectAttemptsTotal metric.Int64Counter
	ChannelMessagesSentTotal      metric.Int64Counter
	ChannelMessagesReceivedTotal  metric.Int64Counter
	ChannelMessagesDeferredTotal  metric.Int64Counter
	ChannelDecodeErrorsTotal      metric.Int64Counter
	OutboxPersistErrorsTotal      metric.Int64Counter

	// Hub metrics
	HubActiveConnections metric.Int64UpDownCounter
	HubBroadcastsTotal   metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.AuthzDecisionsTotal, _ = meter.Int64Counter(
		"restodesk.authz.decisions.total",
		metric.WithDescription("Total number of authorization decisions"),
		metric.WithUnit("{decision}"),
	)

	m.ChannelConnectAttemptsTotal, _ = meter.Int64Counter(
		"restodesk.channel.connect.attempts.total",
		metric.WithDescription("Total number of channel handshakes attempted by connect"),
		metric.WithUnit("{attempt}"),
	)

	m.ChannelReconnectAttemptsTotal, _ = meter.Int64Counter(
		"restodesk.channel.reconnect.attempts.total",
		metric.WithDescription("Total number of automatic reconnection attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.ChannelMessagesSentTotal, _ = meter.Int64Counter(
		"restodesk.channel.messages.sent.total",
		metric.WithDescription("Total number of messages written to the channel"),
		metric.WithUnit("{message}"),
	)

	m.ChannelMessagesReceivedTotal, _ = meter.Int64Counter(
		"restodesk.channel.messages.received.total",
		metric.WithDescription("Total number of messages received from the channel"),
		metric.WithUnit("{message}"),
	)

	m.ChannelMessagesDeferredTotal, _ = meter.Int64Counter(
		"restodesk.channel.messages.deferred.total",
		metric.WithDescription("Total number of messages queued in the outbox"),
		metric.WithUnit("{message}"),
	)

	m.ChannelDecodeErrorsTotal, _ = meter.Int64Counter(
		"restodesk.channel.decode.errors.total",
		metric.WithDescription("Total number of malformed frames discarded"),
		metric.WithUnit("{frame}"),
	)

	m.OutboxPersistErrorsTotal, _ = meter.Int64Counter(
		"restodesk.outbox.persist.errors.total",
		metric.WithDescription("Total number of failed outbox writes"),
		metric.WithUnit("{error}"),
	)

	m.HubActiveConnections, _ = meter.Int64UpDownCounter(
		"restodesk.hub.connections.active",
		metric.WithDescription("Number of connected channel clients"),
		metric.WithUnit("{connection}"),
	)

	m.HubBroadcastsTotal, _ = meter.Int64Counter(
		"restodesk.hub.broadcasts.total",
		metric.WithDescription("Total number of frames relayed by the hub"),
		metric.WithUnit("{frame}"),
	)

	return m
}
