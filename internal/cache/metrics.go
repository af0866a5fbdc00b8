package cache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/cacheit/cacheit/internal/cache"

// metrics records cache activity through OpenTelemetry counters.
type metrics struct {
	created metric.Int64Counter
	expired metric.Int64Counter
	hits    metric.Int64Counter
	misses  metric.Int64Counter
}

// newMetrics builds the counters from mp, falling back to the global
// provider when mp is nil and to no-op instruments if creation fails.
func newMetrics(mp metric.MeterProvider) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	m, err := buildMetrics(mp.Meter(meterName))
	if err != nil {
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(meterName))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	created, err := meter.Int64Counter(
		"cacheit.units.created",
		metric.WithDescription("Number of cache entries created"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	expired, err := meter.Int64Counter(
		"cacheit.units.expired",
		metric.WithDescription("Number of cache entries expired or removed"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	hits, err := meter.Int64Counter(
		"cacheit.fetch.hits",
		metric.WithDescription("Number of fetches that found a live entry"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"cacheit.fetch.misses",
		metric.WithDescription("Number of fetches that found nothing"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		created: created,
		expired: expired,
		hits:    hits,
		misses:  misses,
	}, nil
}

func tierAttr(tier Tier) metric.AddOption {
	return metric.WithAttributes(attribute.String("tier", tier.String()))
}

func (m *metrics) recordCreate(tier Tier) {
	m.created.Add(context.Background(), 1, tierAttr(tier))
}

func (m *metrics) recordExpire(tier Tier) {
	m.expired.Add(context.Background(), 1, tierAttr(tier))
}

func (m *metrics) recordFetch(tier Tier, hit bool) {
	if hit {
		m.hits.Add(context.Background(), 1, tierAttr(tier))
		return
	}
	m.misses.Add(context.Background(), 1, tierAttr(tier))
}
