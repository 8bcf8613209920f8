// Package migrations wires golang-migrate execution for the audiosum schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/audiosum/db/migrations"
	"github.com/coachpo/audiosum/internal/infra/telemetry"
	"github.com/coachpo/audiosum/internal/observability"
)

var (
	errNoSource = errors.New("migrations source required")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Embedded returns the migrations compiled into the binary.
func Embedded() fs.FS {
	return dbmigrations.Files
}

// Apply runs every pending up migration from source. A nil logger disables logging.
func Apply(ctx context.Context, dsn string, source fs.FS, logger observability.Logger) error {
	return run(ctx, dsn, source, logger, "up", func(m *migrate.Migrate) error { return m.Up() })
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, dsn string, source fs.FS, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0")
	}
	return run(ctx, dsn, source, logger, "down", func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

// Version reports the applied schema version and whether the last migration left it dirty.
func Version(ctx context.Context, dsn string, source fs.FS) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := run(ctx, dsn, source, nil, "version", func(m *migrate.Migrate) error {
		v, d, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		version, dirty = v, d
		return err
	})
	return version, dirty, err
}

func run(ctx context.Context, dsn string, source fs.FS, logger observability.Logger, op string, fn func(*migrate.Migrate) error) error {
	if source == nil {
		return errNoSource
	}
	if logger == nil {
		logger = observability.Nop()
	}
	src, err := iofs.New(source, ".")
	if err != nil {
		return fmt.Errorf("open migrations source: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", observability.F("error", cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", observability.F("error", dbErr))
		}
	}()

	logger.Info("running database migrations", observability.F("operation", op))
	if err := fn(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, op, "noop")
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, op, "failed")
		return fmt.Errorf("%s migrations: %w", op, err)
	}
	recordMigrationMetric(ctx, op, "applied")
	logger.Info("database migrations applied", observability.F("operation", op))
	return nil
}

func recordMigrationMetric(ctx context.Context, op, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("audiosum_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("operation", op),
		attribute.String("result", result),
	))
}
