package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the scheduler's metric instruments.
type Metrics struct {
	TickDuration    metric.Float64Histogram
	TaskRunDuration metric.Float64Histogram
	TaskRunErrors   metric.Int64Counter
	TasksDispatched metric.Int64Counter
	BridgeDuration  metric.Float64Histogram
	BridgeRejects   metric.Int64Counter
	NotifyFailures  metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("hearth.scheduler.tick.duration",
		metric.WithDescription("Due-task poll duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunDuration, err = meter.Float64Histogram("hearth.scheduler.run.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunErrors, err = meter.Int64Counter("hearth.scheduler.run.errors",
		metric.WithDescription("Task executions that ended in error"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("hearth.scheduler.dispatched",
		metric.WithDescription("Due tasks dispatched by the tick loop"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgeDuration, err = meter.Float64Histogram("hearth.bridge.request.duration",
		metric.WithDescription("Bridge RPC handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgeRejects, err = meter.Int64Counter("hearth.bridge.auth.rejects",
		metric.WithDescription("Bridge requests rejected for a bad token"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyFailures, err = meter.Int64Counter("hearth.notify.failures",
		metric.WithDescription("Desktop notification attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
