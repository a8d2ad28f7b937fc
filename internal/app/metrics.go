package app

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/dkeye/Chatline/internal/app"

// Metrics holds the signaling instruments. A nil *Metrics records nothing.
type Metrics struct {
	sessions  metric.Int64UpDownCounter
	online    metric.Int64Gauge
	delivered metric.Int64Counter
	missed    metric.Int64Counter
	kicked    metric.Int64Counter
}

// NewMetrics creates instruments from the global meter provider.
func NewMetrics() *Metrics {
	return NewMetricsFrom(otel.Meter(instrumentationName))
}

func NewMetricsFrom(meter metric.Meter) *Metrics {
	m := &Metrics{}
	var err error
	if m.sessions, err = meter.Int64UpDownCounter("signal.sessions",
		metric.WithDescription("Live transport sessions")); err != nil {
		log.Warn().Err(err).Str("module", "app.metrics").Msg("sessions instrument")
	}
	if m.online, err = meter.Int64Gauge("presence.online",
		metric.WithDescription("Users with a registered session")); err != nil {
		log.Warn().Err(err).Str("module", "app.metrics").Msg("online instrument")
	}
	if m.delivered, err = meter.Int64Counter("signal.relay.delivered",
		metric.WithDescription("Envelopes forwarded to a live session")); err != nil {
		log.Warn().Err(err).Str("module", "app.metrics").Msg("delivered instrument")
	}
	if m.missed, err = meter.Int64Counter("signal.relay.missed",
		metric.WithDescription("Envelopes dropped because the target was offline")); err != nil {
		log.Warn().Err(err).Str("module", "app.metrics").Msg("missed instrument")
	}
	if m.kicked, err = meter.Int64Counter("signal.sessions.kicked",
		metric.WithDescription("Sessions closed by backpressure policy or supersede")); err != nil {
		log.Warn().Err(err).Str("module", "app.metrics").Msg("kicked instrument")
	}
	return m
}

func (m *Metrics) sessionDelta(n int64) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(context.Background(), n)
}

func (m *Metrics) onlineCount(n int) {
	if m == nil || m.online == nil {
		return
	}
	m.online.Record(context.Background(), int64(n))
}

func (m *Metrics) relayed(event string, ok bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("event", event))
	if ok && m.delivered != nil {
		m.delivered.Add(context.Background(), 1, attrs)
	} else if !ok && m.missed != nil {
		m.missed.Add(context.Background(), 1, attrs)
	}
}

func (m *Metrics) kick(reason string) {
	if m == nil || m.kicked == nil {
		return
	}
	m.kicked.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
