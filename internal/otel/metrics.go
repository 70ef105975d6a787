package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all broker metric instruments.
type Metrics struct {
	PollDuration    metric.Float64Histogram
	TaskLifetime    metric.Float64Histogram
	TasksEnqueued   metric.Int64Counter
	TasksDispatched metric.Int64Counter
	TasksAcked      metric.Int64Counter
	TasksRequeued   metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	PolicyBlocks    metric.Int64Counter
	WaitingAgents   metric.Int64UpDownCounter
	EvictionsQueued metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PollDuration, err = meter.Float64Histogram("goherd.poll.duration",
		metric.WithDescription("Long-poll wait duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskLifetime, err = meter.Float64Histogram("goherd.task.lifetime",
		metric.WithDescription("Time from enqueue to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter("goherd.tasks.enqueued",
		metric.WithDescription("Tasks accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("goherd.tasks.dispatched",
		metric.WithDescription("Tasks reserved for an agent"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksAcked, err = meter.Int64Counter("goherd.tasks.acked",
		metric.WithDescription("Reservations acknowledged by agents"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRequeued, err = meter.Int64Counter("goherd.tasks.requeued",
		metric.WithDescription("Tasks returned to the queue after timeout or retry"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("goherd.tasks.completed",
		metric.WithDescription("Tasks reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyBlocks, err = meter.Int64Counter("goherd.policy.blocks",
		metric.WithDescription("Enqueues rejected by the prompt policy"),
	)
	if err != nil {
		return nil, err
	}

	m.WaitingAgents, err = meter.Int64UpDownCounter("goherd.agents.waiting",
		metric.WithDescription("Agents currently parked in a long-poll"),
	)
	if err != nil {
		return nil, err
	}

	m.EvictionsQueued, err = meter.Int64Counter("goherd.evictions.queued",
		metric.WithDescription("Eviction signals queued for agents"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
