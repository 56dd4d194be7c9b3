package observer

import (
	"context"

	"github.com/nevindra/switchboard"

	"go.opentelemetry.io/otel/metric"
)

// RegisterLaneMetrics registers observable instruments over the
// dispatcher's lane and pool statistics. stats is polled on every
// metric collection; pass Dispatcher.Stats. The returned function
// unregisters the callback.
func RegisterLaneMetrics(inst *Instruments, stats func() switchboard.DispatchStats) (func() error, error) {
	depth, err := inst.Meter.Int64ObservableGauge("lane.queue.depth",
		metric.WithDescription("Requests currently queued in the lane"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	utilization, err := inst.Meter.Float64ObservableGauge("lane.queue.utilization",
		metric.WithDescription("Queue depth as a fraction of capacity"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	released, err := inst.Meter.Int64ObservableCounter("lane.released",
		metric.WithDescription("Requests released by the lane engine"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	rejected, err := inst.Meter.Int64ObservableCounter("lane.rejected",
		metric.WithDescription("Requests rejected at capacity"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	expired, err := inst.Meter.Int64ObservableCounter("lane.expired",
		metric.WithDescription("Requests expired while queued"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	poolActive, err := inst.Meter.Int64ObservableGauge("pool.workers.active",
		metric.WithDescription("Worker pool jobs currently running"),
		metric.WithUnit("{worker}"))
	if err != nil {
		return nil, err
	}
	poolQueued, err := inst.Meter.Int64ObservableGauge("pool.jobs.queued",
		metric.WithDescription("Jobs waiting for a pool worker"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}

	reg, err := inst.Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		for _, lane := range []switchboard.LaneSnapshot{s.ChatLane, s.MemoryLane} {
			attrs := metric.WithAttributes(AttrLane.String(string(lane.Kind)))
			o.ObserveInt64(depth, int64(lane.CurrentDepth), attrs)
			o.ObserveFloat64(utilization, lane.Utilization, attrs)
			o.ObserveInt64(released, lane.Released, attrs)
			o.ObserveInt64(rejected, lane.Rejected, attrs)
			o.ObserveInt64(expired, lane.Expired, attrs)
		}
		o.ObserveInt64(poolActive, int64(s.Pool.Active))
		o.ObserveInt64(poolQueued, int64(s.Pool.Queued))
		return nil
	}, depth, utilization, released, rejected, expired, poolActive, poolQueued)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}
