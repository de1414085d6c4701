// Package instrumentation provides OpenTelemetry metrics and tracing for
// the login flow and the LINE provider calls.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopePrefix = "github.com/mnehpets/lineserve/"

// Exporter names accepted by Config.TraceExporter and Config.MetricExporter.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// DefaultMetricInterval is how often metrics are pushed to the exporter.
const DefaultMetricInterval = 60 * time.Second

// Config holds instrumentation configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Enabled turns on the exporters below. When false, no-op providers
	// are used.
	Enabled bool

	// TraceExporter and MetricExporter select "otlp" (the default),
	// "stdout" or "none".
	TraceExporter  string
	MetricExporter string
	// OTLPEndpoint is the collector base URL, e.g. http://collector:4318.
	// Empty defers to the standard OTEL_EXPORTER_OTLP_* variables.
	OTLPEndpoint   string
	MetricInterval time.Duration
	// Output receives stdout exporter data. Defaults to os.Stdout.
	Output io.Writer

	// TracerProvider and MeterProvider override the providers built from
	// the fields above.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Instrumentation owns the tracer and meter providers and the metric
// instruments built from them.
type Instrumentation struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metrics        *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an Instrumentation from config.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "lineserve"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}
	if config.TraceExporter == "" {
		config.TraceExporter = ExporterOTLP
	}
	if config.MetricExporter == "" {
		config.MetricExporter = ExporterOTLP
	}
	if config.MetricInterval <= 0 {
		config.MetricInterval = DefaultMetricInterval
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}

	inst := &Instrumentation{
		tracerProvider: config.TracerProvider,
		meterProvider:  config.MeterProvider,
	}

	var res *resource.Resource
	if config.Enabled {
		var err error
		res, err = resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	if inst.tracerProvider == nil {
		tp, err := newTracerProvider(config, res)
		if err != nil {
			return nil, err
		}
		inst.tracerProvider = tp
		if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
			inst.shutdownFuncs = append(inst.shutdownFuncs, sdk.Shutdown)
		}
	}
	if inst.meterProvider == nil {
		mp, err := newMeterProvider(config, res)
		if err != nil {
			_ = inst.Shutdown(context.Background())
			return nil, err
		}
		inst.meterProvider = mp
		if sdk, ok := mp.(*sdkmetric.MeterProvider); ok {
			inst.shutdownFuncs = append(inst.shutdownFuncs, sdk.Shutdown)
		}
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return inst, nil
}

func newTracerProvider(config Config, res *resource.Resource) (trace.TracerProvider, error) {
	if !config.Enabled {
		return tracenoop.NewTracerProvider(), nil
	}
	var exp sdktrace.SpanExporter
	var err error
	switch config.TraceExporter {
	case ExporterOTLP:
		var opts []otlptracehttp.Option
		if config.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(strings.TrimSuffix(config.OTLPEndpoint, "/")+"/v1/traces"))
		}
		exp, err = otlptracehttp.New(context.Background(), opts...)
	case ExporterStdout:
		exp, err = stdouttrace.New(stdouttrace.WithWriter(config.Output))
	case ExporterNone:
		return tracenoop.NewTracerProvider(), nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", config.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
	), nil
}

func newMeterProvider(config Config, res *resource.Resource) (metric.MeterProvider, error) {
	if !config.Enabled {
		return noop.NewMeterProvider(), nil
	}
	var exp sdkmetric.Exporter
	var err error
	switch config.MetricExporter {
	case ExporterOTLP:
		var opts []otlpmetrichttp.Option
		if config.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpointURL(strings.TrimSuffix(config.OTLPEndpoint, "/")+"/v1/metrics"))
		}
		exp, err = otlpmetrichttp.New(context.Background(), opts...)
	case ExporterStdout:
		exp, err = stdoutmetric.New(stdoutmetric.WithWriter(config.Output))
	case ExporterNone:
		return noop.NewMeterProvider(), nil
	default:
		return nil, fmt.Errorf("unknown metric exporter %q", config.MetricExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(config.MetricInterval))),
	), nil
}

// Noop returns an Instrumentation that records nothing.
func Noop() *Instrumentation {
	inst, err := New(Config{})
	if err != nil {
		// No-op providers never fail to create instruments.
		panic(err)
	}
	return inst
}

// Shutdown flushes and stops owned providers. It is safe to call more
// than once.
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

// Tracer returns a named tracer for scope, e.g. "provider" or "auth".
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Meter returns a named meter for scope.
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Metrics returns the metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}
