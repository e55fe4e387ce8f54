package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oidc-authserver"

	// DefaultServiceVersion is used when Config.ServiceVersion is empty
	DefaultServiceVersion = "unknown"

	// instrumentationScope prefixes every meter and tracer name
	instrumentationScope = "github.com/giantswarm/oidc-authserver/"
)

// Metric exporters understood by Config.MetricsExporter.
const (
	MetricsExporterNone       = "none"
	MetricsExporterPrometheus = "prometheus"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is reported as service.name
	ServiceName string

	// ServiceVersion is reported as service.version
	ServiceVersion string

	// Enabled switches between SDK providers and no-op providers
	Enabled bool

	// MetricsExporter selects where metrics go: "none" (default) keeps them
	// in-process, "prometheus" exposes them through PrometheusHandler.
	MetricsExporter string

	// LogClientIPs controls whether client IPs are attached to spans
	LogClientIPs bool

	// Resource overrides the default service resource
	Resource *resource.Resource
}

// Instrumentation owns the meter and tracer providers for one server process.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	registry       *prometheus.Registry

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates instrumentation from config
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricsExporter == "" {
		config.MetricsExporter = MetricsExporterNone
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

func (i *Instrumentation) initializeProviders() error {
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}

	switch i.config.MetricsExporter {
	case MetricsExporterPrometheus:
		i.registry = prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(exporter))
	case MetricsExporterNone:
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	mp := sdkmetric.NewMeterProvider(meterOpts...)
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(i.resource))

	i.meterProvider = mp
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown, tp.Shutdown)
	return nil
}

// Shutdown flushes and stops the providers. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var errs []error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Meter returns the meter for a layer ("http", "server", "storage", "keys").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationScope + scope)
}

// Tracer returns the tracer for a layer ("http", "server", "storage", "keys").
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationScope + scope)
}

// Metrics returns the pre-built instruments
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs reports whether client IPs may be attached to spans
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// PrometheusHandler serves the scrape endpoint. It returns nil unless the
// prometheus exporter is configured.
func (i *Instrumentation) PrometheusHandler() http.Handler {
	if i.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// StorageSizeCallback reports the current size of one storage collection
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks exposes storage sizes as observable gauges.
// Nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	codesCount, tokensCount, clientsCount, consentsCount StorageSizeCallback,
) error {
	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			if codesCount != nil {
				observer.ObserveInt64(i.metrics.StorageCodesCount, codesCount())
			}
			if tokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageTokensCount, tokensCount())
			}
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount())
			}
			if consentsCount != nil {
				observer.ObserveInt64(i.metrics.StorageConsentsCount, consentsCount())
			}
			return nil
		},
		i.metrics.StorageCodesCount,
		i.metrics.StorageTokensCount,
		i.metrics.StorageClientsCount,
		i.metrics.StorageConsentsCount,
	)
	return err
}
