package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/audiosum/internal/infra/telemetry"
)

// ObservePoolMetrics reports pgx pool health on every collection: connection counts by
// state, the configured ceiling, and how often callers had to wait for a connection.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("postgres.pool")
	conns, err := meter.Int64ObservableGauge("audiosum_db_pool_connections",
		metric.WithDescription("Connections by state (idle, acquired, constructing)"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return
	}
	maxConns, err := meter.Int64ObservableGauge("audiosum_db_pool_max_connections",
		metric.WithDescription("Configured connection ceiling"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return
	}
	waits, err := meter.Int64ObservableCounter("audiosum_db_pool_empty_acquires",
		metric.WithDescription("Acquires that waited because the pool was exhausted"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return
	}

	state := func(s string) metric.ObserveOption {
		return metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("db_pool", name),
			attribute.String("state", s),
		)
	}
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		o.ObserveInt64(conns, int64(stat.IdleConns()), state("idle"))
		o.ObserveInt64(conns, int64(stat.AcquiredConns()), state("acquired"))
		o.ObserveInt64(conns, int64(stat.ConstructingConns()), state("constructing"))
		o.ObserveInt64(maxConns, int64(stat.MaxConns()), attrs)
		o.ObserveInt64(waits, stat.EmptyAcquireCount(), attrs)
		return nil
	}, conns, maxConns, waits)
}
