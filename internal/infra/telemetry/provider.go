package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultExportInterval = 15 * time.Second

var (
	envMu             sync.RWMutex
	globalEnvironment string
)

// Config selects the metrics exporter.
type Config struct {
	OTLPEndpoint   string
	ServiceName    string
	Environment    string
	EnableMetrics  bool
	ExportInterval time.Duration
}

// Provider owns the process meter provider.
type Provider struct {
	MeterProvider apimetric.MeterProvider
	shutdown      func(context.Context) error
}

// Shutdown flushes and stops exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Init configures the global meter provider. Without an endpoint, metrics are discarded.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	setEnvironment(cfg.Environment)
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "audiosum"
	}

	if endpoint == "" || !cfg.EnableMetrics {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return &Provider{MeterProvider: mp}, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
		semconv.DeploymentEnvironment(Environment()),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(durationView()),
	)
	otel.SetMeterProvider(mp)
	return &Provider{MeterProvider: mp, shutdown: mp.Shutdown}, nil
}

// Stage durations span seconds (enhancement) to many minutes (summarization).
func durationView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "audiosum.stage.duration"},
		sdkmetric.Stream{
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		},
	)
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}

func setEnvironment(env string) {
	envMu.Lock()
	defer envMu.Unlock()
	globalEnvironment = strings.TrimSpace(env)
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	envMu.RLock()
	defer envMu.RUnlock()
	if globalEnvironment == "" {
		return "development"
	}
	return globalEnvironment
}
