package replaycache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/always-cache/replay-cache"

// request outcomes
const (
	outcomeHit        = "hit"
	outcomeMiss       = "miss"
	outcomeReplayMiss = "replay_miss"
	outcomeBadRequest = "bad_request"
	outcomeError      = "error"
)

// store results
const (
	storeStored  = "stored"
	storeSkipped = "skipped"
	storeFailed  = "failed"
)

type metrics struct {
	requests metric.Int64Counter
	stores   metric.Int64Counter
	upstream metric.Float64Histogram
}

func newMetrics(provider metric.MeterProvider) (*metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	requests, err := meter.Int64Counter(
		"replaycache.requests",
		metric.WithDescription("Requests handled by the proxy, by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	stores, err := meter.Int64Counter(
		"replaycache.stores",
		metric.WithDescription("Forwarded responses, by whether they were cached"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return nil, err
	}

	upstream, err := meter.Float64Histogram(
		"replaycache.upstream.duration",
		metric.WithDescription("Time from forwarding a request until the upstream body was fully read"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		requests: requests,
		stores:   stores,
		upstream: upstream,
	}, nil
}

func (m *metrics) request(ctx context.Context, outcome string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) store(ctx context.Context, result string) {
	m.stores.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metrics) upstreamDuration(ctx context.Context, d time.Duration, status int) {
	m.upstream.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.Int("status", status)))
}
