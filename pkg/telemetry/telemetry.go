// Package telemetry installs the process-wide OpenTelemetry providers.
//
// Providers are installed at most once per process: the second butler in the
// same process reuses the pipeline installed by the first, so
// otel.SetMeterProvider is never called twice ("Overriding current
// MeterProvider" warnings stay out of the logs). When
// OTEL_EXPORTER_OTLP_ENDPOINT is unset nothing is installed and the default
// no-op providers stay in effect.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// EndpointEnvVar enables the real OTLP pipeline when set.
const EndpointEnvVar = "OTEL_EXPORTER_OTLP_ENDPOINT"

var (
	mu        sync.Mutex
	installed bool
	noop      bool

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
)

// Init installs tracer and meter providers for serviceName. Subsequent calls
// are no-ops that still return usable handles.
func Init(ctx context.Context, serviceName string) error {
	mu.Lock()
	defer mu.Unlock()

	if installed {
		return nil
	}

	endpoint := os.Getenv(EndpointEnvVar)
	if endpoint == "" {
		// No-op mode: leave the otel globals alone. Meter() and Tracer()
		// hand out the default no-op implementations.
		installed = true
		noop = true
		slog.Info("Telemetry disabled (no OTLP endpoint configured)")
		return nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return fmt.Errorf("building telemetry resource: %w", err)
	}

	traceExp, err := otlptracegrpc.New(ctx)
	if err != nil {
		return fmt.Errorf("creating trace exporter: %w", err)
	}
	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	metricExp, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return fmt.Errorf("creating metric exporter: %w", err)
	}
	meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	installed = true
	slog.Info("Telemetry initialized", "endpoint", endpoint, "service", serviceName)
	return nil
}

// Installed reports whether Init has already run in this process.
func Installed() bool {
	mu.Lock()
	defer mu.Unlock()
	return installed
}

// Tracer returns a tracer from the installed (or no-op) provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Meter returns a meter from the installed (or no-op) provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Shutdown flushes and stops the installed providers. Safe to call in no-op
// mode and safe to call more than once.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	if !installed || noop {
		installed = false
		noop = false
		return nil
	}

	var firstErr error
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
		tracerProvider = nil
	}
	if meterProvider != nil {
		if err := meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		meterProvider = nil
	}
	installed = false
	noop = false
	return firstErr
}
