package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/timelapseplus/extension/internal/scheduler"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type instruments struct {
	captures  metric.Int64Counter
	failures  metric.Int64Counter
	deferrals metric.Int64Counter
	latency   metric.Float64Histogram
}

func newInstruments() *instruments {
	m := meter()
	captures, _ := m.Int64Counter("scheduler.captures",
		metric.WithDescription("Frames captured"))
	failures, _ := m.Int64Counter("scheduler.failures",
		metric.WithDescription("Snapshot requests that failed or fell back"))
	deferrals, _ := m.Int64Counter("scheduler.deferrals",
		metric.WithDescription("Snapshots deferred to an infill region"))
	latency, _ := m.Float64Histogram("scheduler.capture.duration",
		metric.WithDescription("Camera capture time"),
		metric.WithUnit("s"))
	return &instruments{captures: captures, failures: failures, deferrals: deferrals, latency: latency}
}

func (i *instruments) captured(stabilized bool, seconds float64) {
	attrs := metric.WithAttributes(attribute.Bool("stabilized", stabilized))
	i.captures.Add(context.Background(), 1, attrs)
	i.latency.Record(context.Background(), seconds, attrs)
}

func (i *instruments) failed(kind string) {
	i.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (i *instruments) deferred() {
	i.deferrals.Add(context.Background(), 1)
}
