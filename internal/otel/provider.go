// Package otel sets up the OpenTelemetry log and meter providers of the
// recorder process.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ErrNoLogSink is returned when OTel is enabled without a log writer or endpoint.
var ErrNoLogSink = errors.New("otel enabled but no log writer or endpoint configured")

// Config holds OTel configuration
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	BatchTimeout   time.Duration
	LogWriter      io.Writer // receives OTel log records as JSON
	Endpoint       string    // OTLP/HTTP log endpoint, optional
	Insecure       bool

	// MetricReaders are attached to the meter provider. Without readers
	// the scheduler and dispatcher counters are recorded but never exported.
	MetricReaders []sdkmetric.Reader
}

// Provider owns the log and meter providers for the recorder process.
// The zero Provider is disabled.
type Provider struct {
	logProvider   *sdklog.LoggerProvider
	meterProvider *sdkmetric.MeterProvider
}

// New creates the providers. A disabled config yields a provider whose
// methods are no-ops. The meter provider is installed globally so the
// dispatcher, scheduler and stabilization packages can use otel.Meter.
func New(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	ctx := context.Background()
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(cfg.ServiceName))}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporters, err := logExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	for _, exp := range exporters {
		logOpts = append(logOpts, sdklog.WithProcessor(
			sdklog.NewBatchProcessor(exp, sdklog.WithExportTimeout(cfg.BatchTimeout))))
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range cfg.MetricReaders {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}

	p := &Provider{
		logProvider:   sdklog.NewLoggerProvider(logOpts...),
		meterProvider: sdkmetric.NewMeterProvider(meterOpts...),
	}
	otel.SetMeterProvider(p.meterProvider)
	return p, nil
}

func logExporters(ctx context.Context, cfg Config) ([]sdklog.Exporter, error) {
	var exporters []sdklog.Exporter
	if cfg.LogWriter != nil {
		exp, err := stdoutlog.New(stdoutlog.WithWriter(cfg.LogWriter), stdoutlog.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create file log exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	if cfg.Endpoint != "" {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		exp, err := otlploghttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	if len(exporters) == 0 {
		return nil, ErrNoLogSink
	}
	return exporters, nil
}

// LoggerProvider returns the log provider for the otelslog bridge, or nil
// when OTel is disabled.
func (p *Provider) LoggerProvider() *sdklog.LoggerProvider {
	return p.logProvider
}

// Meter returns a named meter, or a no-op meter when OTel is disabled.
func (p *Provider) Meter(name string) metric.Meter {
	if p.meterProvider == nil {
		return noop.Meter{}
	}
	return p.meterProvider.Meter(name)
}

// Flush exports pending logs and metrics, e.g. when a job ends.
func (p *Provider) Flush(ctx context.Context) error {
	return p.each(ctx, "flush",
		func(ctx context.Context) error { return p.logProvider.ForceFlush(ctx) },
		func(ctx context.Context) error { return p.meterProvider.ForceFlush(ctx) })
}

// Shutdown flushes and stops both providers. Call it once on exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.each(ctx, "shutdown",
		func(ctx context.Context) error { return p.logProvider.Shutdown(ctx) },
		func(ctx context.Context) error { return p.meterProvider.Shutdown(ctx) })
}

func (p *Provider) each(ctx context.Context, op string, logFn, meterFn func(context.Context) error) error {
	var errs []error
	if p.logProvider != nil {
		if err := logFn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log %s failed: %w", op, err))
		}
	}
	if p.meterProvider != nil {
		if err := meterFn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric %s failed: %w", op, err))
		}
	}
	return errors.Join(errs...)
}
