package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// OTelFactory is a MetricFactory backed by an OpenTelemetry meter.
type OTelFactory struct {
	meter metric.Meter
}

// NewOTelFactory returns a factory creating instruments on meter.
func NewOTelFactory(meter metric.Meter) *OTelFactory {
	return &OTelFactory{meter: meter}
}

// Counter implements MetricFactory.
func (f *OTelFactory) Counter(name string) Counter {
	c, _ := f.meter.Float64Counter(name) //nolint:errcheck
	return otelCounter{c: c}
}

// Histogram implements MetricFactory.
func (f *OTelFactory) Histogram(name string) Histogram {
	h, _ := f.meter.Float64Histogram(name) //nolint:errcheck
	return otelHistogram{h: h}
}

type otelCounter struct{ c metric.Float64Counter }

func (c otelCounter) Inc()          { c.c.Add(context.Background(), 1) }
func (c otelCounter) Add(v float64) { c.c.Add(context.Background(), v) }

type otelHistogram struct{ h metric.Float64Histogram }

func (h otelHistogram) Observe(v float64) { h.h.Record(context.Background(), v) }
