package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audiocache"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func gaugePoints(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
				return g.DataPoints
			}
		}
	}
	return nil
}

func TestCloseUnregistersCacheGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	cache := audiocache.New(audiocache.Options{MaxEntries: 4, TTL: time.Minute}, newLogger())
	cache.Begin("held")
	ctrl, err := New(Options{
		Generator:     &scriptedGenerator{},
		Cache:         cache,
		MeterProvider: provider,
		Logger:        newLogger(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	points := gaugePoints(t, reader, "narrator.cache.entries")
	if len(points) != 1 || points[0].Value != 1 {
		t.Fatalf("expected one cache entry observed, got %+v", points)
	}

	ctrl.Close()
	if points := gaugePoints(t, reader, "narrator.cache.entries"); len(points) != 0 {
		t.Fatalf("gauge still observed after close: %+v", points)
	}
	ctrl.Close()
}
