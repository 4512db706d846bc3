// Package telemetry initializes OpenTelemetry metrics and holds the
// instruments recorded by the tracking pipeline.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Shutdown flushes and stops the meter provider.
type Shutdown func(ctx context.Context) error

// Init configures the global meter provider. If endpoint is empty the
// global no-op provider is left in place.
func Init(ctx context.Context, endpoint, serviceName string) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Result attribute values for Fixes.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// Instruments groups the counters shared by the tracking components. The zero
// value is not usable; build one with NewInstruments.
type Instruments struct {
	Fixes         metric.Int64Counter // attrs: source, result
	StepEvents    metric.Int64Counter // attrs: result (forwarded/throttled)
	Sessions      metric.Int64Counter // attrs: transition (started/stopped)
	NativeFailure metric.Int64Counter // attrs: call
}

// NewInstruments creates the counters on meter. Instrument creation never
// fails on the no-op provider; on a real provider an error falls back to no-op
// instruments so metrics can never break tracking.
func NewInstruments(meter metric.Meter) *Instruments {
	return &Instruments{
		Fixes:         counter(meter, "steptrack.fixes", "GPS fixes processed"),
		StepEvents:    counter(meter, "steptrack.step_events", "Native step events received"),
		Sessions:      counter(meter, "steptrack.sessions", "Session lifecycle transitions"),
		NativeFailure: counter(meter, "steptrack.native_failures", "Native bridge calls that failed"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = otel.GetMeterProvider().Meter("steptrack/fallback").Int64Counter(name)
	}
	return c
}

// Default returns instruments bound to the global meter provider.
func Default() *Instruments {
	return NewInstruments(Meter("github.com/sstent/steptrack-go"))
}

// Inc adds one to c with the given string attributes as key/value pairs.
func Inc(ctx context.Context, c metric.Int64Counter, kv ...string) {
	if c == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
