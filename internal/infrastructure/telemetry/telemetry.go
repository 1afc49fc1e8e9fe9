// Package telemetry wires OpenTelemetry traces, metrics and logs plus
// Pyroscope profiling for the collector.
//
// Every provider degrades to a no-op when its Enabled flag is false, so the
// rest of the code can call the span and metric helpers unconditionally.
package telemetry

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// ServiceVersion is reported on every exported signal
const ServiceVersion = "1.0.0"

// shutdownTimeout bounds the flush performed by every provider on Shutdown
const shutdownTimeout = 10 * time.Second

// ErrMeterNil is returned when a metrics component is built without a meter
var ErrMeterNil = errors.New("telemetry: meter is nil")

// Config holds the exporter settings shared by traces, metrics and logs
type Config struct {
	Enabled           bool
	CollectorEndpoint string
	ServiceName       string
	Insecure          bool
	// SamplingRatio is only used by the tracer provider
	SamplingRatio float64
	// ExportInterval is only used by the meter provider. Default: 60s
	ExportInterval time.Duration
}

func newResource(serviceName string) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
