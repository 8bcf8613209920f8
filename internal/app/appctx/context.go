// Package appctx owns the process-wide infrastructure: database pool, Redis client,
// message bus, blob store, telemetry and logger.
package appctx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coachpo/audiosum/internal/app/pipeline"
	"github.com/coachpo/audiosum/internal/infra/bus/eventbus"
	"github.com/coachpo/audiosum/internal/infra/config"
	"github.com/coachpo/audiosum/internal/infra/persistence"
	"github.com/coachpo/audiosum/internal/infra/persistence/migrations"
	"github.com/coachpo/audiosum/internal/infra/persistence/postgres"
	"github.com/coachpo/audiosum/internal/infra/storage/s3"
	"github.com/coachpo/audiosum/internal/infra/telemetry"
	"github.com/coachpo/audiosum/internal/observability"
)

const failurePublishTimeout = 5 * time.Second

// Context is built once per process and passed to every component.
type Context struct {
	Config     config.AppConfig
	Logger     *observability.ZapLogger
	Telemetry  *telemetry.Provider
	DB         *postgres.Store
	Redis      *redis.Client
	Bus        eventbus.Bus
	Blobs      *s3.Store
	DeadLetter *observability.DeadLetterQueue

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New opens every dependency. On failure the already opened ones are closed.
func New(ctx context.Context, cfg config.AppConfig, logger *observability.ZapLogger) (app *Context, err error) {
	app = &Context{
		Config:     cfg,
		Logger:     logger,
		DeadLetter: observability.NewDeadLetterQueue(cfg.Outbox.DeadLetterCapacity),
	}
	observability.SetLogger(logger)
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = app.Close(closeCtx)
			app = nil
		}
	}()

	app.Telemetry, err = telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint:  cfg.Telemetry.OTLPEndpoint,
		ServiceName:   cfg.Telemetry.ServiceName,
		Environment:   string(cfg.Environment),
		EnableMetrics: cfg.Telemetry.EnableMetrics,
	})
	if err != nil {
		return app, fmt.Errorf("initialise telemetry: %w", err)
	}
	app.onClose("telemetry", app.Telemetry.Shutdown)

	if cfg.Database.RunMigrations {
		if err = migrations.Apply(ctx, cfg.Database.DSN, migrations.Embedded(), logger); err != nil {
			return app, fmt.Errorf("apply migrations: %w", err)
		}
	}
	base, err := persistence.Open(ctx, persistence.PoolConfig{
		DSN:               cfg.Database.DSN,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return app, err
	}
	app.onClose("postgres", func(context.Context) error {
		base.Close()
		return nil
	})
	app.DB = postgres.New(base.Pool())
	postgres.ObservePoolMetrics(base.Pool(), "primary")

	if err = app.openBus(ctx); err != nil {
		return app, err
	}

	app.Blobs, err = s3.Open(ctx, s3.Config{
		Region:       cfg.Storage.Region,
		Bucket:       cfg.Storage.Bucket,
		Endpoint:     cfg.Storage.Endpoint,
		AccessKey:    cfg.Storage.AccessKey,
		SecretKey:    cfg.Storage.SecretKey,
		UsePathStyle: cfg.Storage.UsePathStyle,
		PartSize:     cfg.Storage.PartSize,
		PresignTTL:   cfg.Storage.PresignTTL,
	}, logger)
	if err != nil {
		return app, fmt.Errorf("open blob store: %w", err)
	}

	logger.Info("application context ready",
		observability.F("environment", string(cfg.Environment)),
		observability.F("bus_driver", cfg.Bus.Driver),
		observability.F("bucket", cfg.Storage.Bucket))
	return app, nil
}

func (c *Context) openBus(ctx context.Context) error {
	cfg := c.Config
	switch cfg.Bus.Driver {
	case config.BusDriverMemory:
		bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
			BufferSize:      cfg.Bus.BufferSize,
			FanoutWorkers:   cfg.Bus.FanoutWorkers,
			MaxDeliveries:   cfg.Bus.MaxDeliveries,
			RedeliveryDelay: cfg.Bus.RedeliveryDelay,
			DeadLetter:      c.deadLetter,
		})
		c.Bus = bus
		c.onClose("bus", func(context.Context) error {
			bus.Close()
			return nil
		})
	case config.BusDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.onClose("redis", func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		c.Redis = client
		bus := eventbus.NewRedisBus(client, eventbus.RedisConfig{
			StreamPrefix:    cfg.Redis.StreamPrefix,
			BlockTimeout:    cfg.Redis.BlockTimeout,
			ClaimIdle:       cfg.Redis.ClaimIdle,
			MaxLen:          cfg.Redis.MaxLen,
			MaxDeliveries:   cfg.Bus.MaxDeliveries,
			RedeliveryDelay: cfg.Bus.RedeliveryDelay,
			DeadLetter:      c.deadLetter,
		})
		c.Bus = bus
		c.onClose("bus", func(context.Context) error {
			bus.Close()
			return nil
		})
	default:
		return fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
	return nil
}

func (c *Context) deadLetter(d *eventbus.Delivery, cause error) {
	letter := observability.DeadLetter{
		MessageID: d.Message.ID.String(),
		Kind:      string(d.Message.Kind),
		EntityID:  d.Message.EntityID.String(),
		Attempts:  d.Attempt,
		At:        time.Now().UTC(),
	}
	if cause != nil {
		letter.LastError = cause.Error()
	}
	c.DeadLetter.Offer(letter)
	c.Logger.Error("message dead-lettered",
		observability.F("group", d.Group),
		observability.F("kind", letter.Kind),
		observability.F("entity_id", letter.EntityID),
		observability.F("attempts", letter.Attempts),
		observability.F("error", letter.LastError))

	if c.Bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), failurePublishTimeout)
	defer cancel()
	if err := pipeline.AnnounceExhausted(ctx, c.Bus, d, cause, letter.At); err != nil {
		c.Logger.Error("task failure announcement failed",
			observability.F("entity_id", letter.EntityID),
			observability.F("error", err.Error()))
	}
}

// Ready pings the database and, when configured, Redis.
func (c *Context) Ready(ctx context.Context) error {
	if err := c.DB.Pool().Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (c *Context) onClose(name string, fn func(context.Context) error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Close releases dependencies in reverse order of acquisition.
func (c *Context) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cl.name, err))
		}
	}
	c.closers = nil
	var logger observability.Logger
	if c.Logger != nil {
		errs = append(errs, c.Logger.Sync())
		logger = c.Logger
	}
	return observability.AggregateErrors(logger, "close application context", errs)
}
