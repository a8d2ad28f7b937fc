// Package telemetry installs the global OpenTelemetry meter provider.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Chatline/internal/config"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
}

// New exports metrics over OTLP gRPC when an endpoint is configured.
// Without one the global provider stays a no-op.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	if cfg.OTLPEndpoint == "" {
		log.Info().Str("module", "telemetry").Msg("telemetry disabled, no otlp endpoint")
		return &Telemetry{}, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := NewWithReader(cfg.ServiceName, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)))
	log.Info().Str("module", "telemetry").Str("endpoint", cfg.OTLPEndpoint).Dur("interval", interval).Msg("telemetry initialized")
	return t, nil
}

// NewWithReader installs a meter provider backed by reader as the global provider.
func NewWithReader(serviceName string, reader sdkmetric.Reader) *Telemetry {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)
	return &Telemetry{meterProvider: mp}
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	return nil
}
