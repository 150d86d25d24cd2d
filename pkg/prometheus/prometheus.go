// Package prometheus builds the Prometheus-backed metric reader used
// when a maintenance invocation is started with --prometheus-enabled:
// a pull-based alternative to the push exporters cmd/otel.go otherwise
// wires the meter provider to.
package prometheus

import (
	promclient "github.com/prometheus/client_golang/prometheus"
	prometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewReader returns a fresh Prometheus registry together with the
// sdkmetric.Reader that feeds it, so the caller can build its own
// MeterProvider (sharing the run's resource) and expose the registry
// over HTTP.
func NewReader() (*promclient.Registry, sdkmetric.Reader, error) {
	registry := promclient.NewRegistry()

	reader, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	return registry, reader, nil
}
