package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/conveyorhq/conveyor/processor"
)

// meterName is the instrumentation scope for processor-level metrics.
const meterName = "github.com/conveyorhq/conveyor/observability"

// StatsSource supplies counter snapshots. *processor.Processor
// satisfies it.
type StatsSource interface {
	Stats() processor.Stats
}

// Observer registers observable instruments for processor counters.
type Observer struct {
	registration metric.Registration
}

// NewObserver creates an Observer on the global MeterProvider.
func NewObserver(source StatsSource) (*Observer, error) {
	return NewObserverWithMeter(otel.Meter(meterName), source)
}

// NewObserverWithMeter creates an Observer on the provided meter. This
// variant allows injecting a specific MeterProvider for testing.
func NewObserverWithMeter(meter metric.Meter, source StatsSource) (*Observer, error) {
	processed, err := meter.Int64ObservableCounter(
		"conveyor.processor.processed",
		metric.WithDescription("Total messages run through the processor"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	completed, err := meter.Int64ObservableCounter(
		"conveyor.processor.completed",
		metric.WithDescription("Jobs that completed successfully"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	failed, err := meter.Int64ObservableCounter(
		"conveyor.processor.failed",
		metric.WithDescription("Jobs that resolved as failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	skipped, err := meter.Int64ObservableCounter(
		"conveyor.processor.skipped",
		metric.WithDescription("Jobs skipped for expired deadlines"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	cached, err := meter.Int64ObservableCounter(
		"conveyor.processor.cached",
		metric.WithDescription("Duplicate deliveries short-circuited from the idempotency store"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	lockConflicts, err := meter.Int64ObservableCounter(
		"conveyor.processor.lock_conflicts",
		metric.WithDescription("Executions refused because the run lock was held"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	throughput, err := meter.Float64ObservableGauge(
		"conveyor.processor.throughput",
		metric.WithDescription("Messages processed per second since start"),
		metric.WithUnit("{message}/s"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}

	reg, err := meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			s := source.Stats()
			o.ObserveInt64(processed, s.Processed)
			o.ObserveInt64(completed, s.Completed)
			o.ObserveInt64(failed, s.Failed)
			o.ObserveInt64(skipped, s.Skipped)
			o.ObserveInt64(cached, s.Cached)
			o.ObserveInt64(lockConflicts, s.LockConflicts)
			o.ObserveFloat64(throughput, s.PerSecond)
			return nil
		},
		processed, completed, failed, skipped, cached, lockConflicts, throughput,
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register callback: %w", err)
	}

	return &Observer{registration: reg}, nil
}

// Close unregisters the callback.
func (o *Observer) Close() error {
	return o.registration.Unregister()
}
