package observability_test

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/conveyorhq/conveyor/observability"
	"github.com/conveyorhq/conveyor/processor"
)

type fakeSource struct {
	stats processor.Stats
}

func (f *fakeSource) Stats() processor.Stats { return f.stats }

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestObserverReportsSnapshot(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	source := &fakeSource{stats: processor.Stats{
		Processed:     10,
		Completed:     6,
		Failed:        2,
		Skipped:       1,
		Cached:        1,
		LockConflicts: 3,
		PerSecond:     2.5,
	}}

	obs, err := observability.NewObserverWithMeter(mp.Meter("test"), source)
	if err != nil {
		t.Fatalf("NewObserverWithMeter: %v", err)
	}
	defer obs.Close()

	rm := collect(t, reader)

	counters := map[string]int64{
		"conveyor.processor.processed":      10,
		"conveyor.processor.completed":      6,
		"conveyor.processor.failed":         2,
		"conveyor.processor.skipped":        1,
		"conveyor.processor.cached":         1,
		"conveyor.processor.lock_conflicts": 3,
	}
	for name, want := range counters {
		m := findMetric(rm, name)
		if m == nil {
			t.Errorf("%s not found", name)
			continue
		}
		sum, ok := m.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) == 0 {
			t.Errorf("%s has no data points", name)
			continue
		}
		if got := sum.DataPoints[0].Value; got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	g := findMetric(rm, "conveyor.processor.throughput")
	if g == nil {
		t.Fatal("throughput gauge not found")
	}
	gauge, ok := g.Data.(metricdata.Gauge[float64])
	if !ok || len(gauge.DataPoints) == 0 {
		t.Fatal("throughput gauge has no data points")
	}
	if got := gauge.DataPoints[0].Value; got != 2.5 {
		t.Errorf("throughput = %v, want 2.5", got)
	}
}

func TestObserverTracksLiveProcessor(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	source := &fakeSource{}
	obs, err := observability.NewObserverWithMeter(mp.Meter("test"), source)
	if err != nil {
		t.Fatalf("NewObserverWithMeter: %v", err)
	}
	defer obs.Close()

	_ = collect(t, reader)

	source.stats.Processed = 7
	rm := collect(t, reader)
	m := findMetric(rm, "conveyor.processor.processed")
	if m == nil {
		t.Fatal("processed counter not found")
	}
	sum := m.Data.(metricdata.Sum[int64])
	if got := sum.DataPoints[0].Value; got != 7 {
		t.Errorf("processed = %d, want 7", got)
	}
}
