package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/cuongbtq/jobgate/worker"

// Metrics records worker activity. A nil *Metrics records nothing.
//
// Instruments:
//   - jobgate.worker.job.duration (Float64Histogram, s): job_type, outcome
//   - jobgate.worker.job.outcomes (Int64Counter): job_type, outcome
//   - jobgate.worker.job.timeouts (Int64Counter): job_type
//   - jobgate.worker.jobs.inflight (Int64UpDownCounter): job_type
//   - jobgate.worker.store.errors (Int64Counter): operation
type Metrics struct {
	duration    metric.Float64Histogram
	outcomes    metric.Int64Counter
	timeouts    metric.Int64Counter
	inflight    metric.Int64UpDownCounter
	storeErrors metric.Int64Counter
}

// NewMetrics creates instruments on the global MeterProvider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.duration, err = meter.Float64Histogram("jobgate.worker.job.duration",
		metric.WithDescription("Time spent executing a job attempt"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.outcomes, err = meter.Int64Counter("jobgate.worker.job.outcomes",
		metric.WithDescription("Job attempts by resulting status"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.timeouts, err = meter.Int64Counter("jobgate.worker.job.timeouts",
		metric.WithDescription("Job attempts that exceeded the deadline"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.inflight, err = meter.Int64UpDownCounter("jobgate.worker.jobs.inflight",
		metric.WithDescription("Jobs currently executing"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if m.storeErrors, err = meter.Int64Counter("jobgate.worker.store.errors",
		metric.WithDescription("Failed queue store operations"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) started(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}

func (m *Metrics) finished(ctx context.Context, jobType string, outcome string, elapsed time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	typeAttr := attribute.String("job_type", jobType)
	m.inflight.Add(ctx, -1, metric.WithAttributes(typeAttr))

	attrs := metric.WithAttributes(typeAttr, attribute.String("outcome", outcome))
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	m.outcomes.Add(ctx, 1, attrs)
	if timedOut {
		m.timeouts.Add(ctx, 1, metric.WithAttributes(typeAttr))
	}
}

func (m *Metrics) storeError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}
