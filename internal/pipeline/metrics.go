package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/pipeline"

type metrics struct {
	synthesized metric.Int64Counter
	failures    metric.Int64Counter
	duration    metric.Float64Histogram
	completed   metric.Int64Counter
	gauge       metric.Registration
}

func newMetrics(meter metric.Meter, entries func() int) (*metrics, error) {
	synthesized, err := meter.Int64Counter("narrator.sentences.synthesized",
		metric.WithDescription("Sentences synthesized and appended to the audio cache"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("narrator.synthesis.failures",
		metric.WithDescription("Sentences skipped because synthesis failed"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("narrator.synthesis.duration",
		metric.WithDescription("Per-sentence synthesis latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("narrator.requests.completed",
		metric.WithDescription("Requests whose audio entry reached complete, by outcome"))
	if err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("narrator.cache.entries",
		metric.WithDescription("Request audio entries held in the cache"))
	if err != nil {
		return nil, err
	}
	registration, err := meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(entries()))
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}

	return &metrics{
		synthesized: synthesized,
		failures:    failures,
		duration:    duration,
		completed:   completed,
		gauge:       registration,
	}, nil
}

func (m *metrics) unregister() error {
	return m.gauge.Unregister()
}

func (m *metrics) requestCompleted(ctx context.Context, outcome string) {
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
