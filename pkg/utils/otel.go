package utils

import (
	"context"
	"errors"
	"os"
	"time"

	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/encoding/gzip"

	"github.com/voku/bouncehandler/pkg/base"
)

const (
	otlpEndpointEnvVar     = "BOUNCEHANDLER_OTLP_ENDPOINT"
	otlpGRPCEndpointEnvVar = "BOUNCEHANDLER_OTLP_GRPC_ENDPOINT"
	defaultOTLPEndpoint    = "localhost:4318"
	defaultOTLPGRPC        = "localhost:4317"
)

// TelemetryEnabled reports whether the OTLP exporters should be wired up.
// Without a DSN, logs still go through a stdout exporter and traces/metrics
// stay local no-ops.
func TelemetryEnabled() bool {
	return os.Getenv(base.OTLPDSNEnvVar) != ""
}

// SetupOTelSDK bootstraps the OpenTelemetry pipeline.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func SetupOTelSDK(ctx context.Context) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	// shutdown calls cleanup functions registered via shutdownFuncs.
	// The errors from the calls are joined.
	// Each registered cleanup will be invoked once.
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(newPropagator())

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", base.ServiceName),
			attribute.String("service.version", "1.0.0"),
		))
	if err != nil {
		handleErr(err)
		return
	}

	loggerProvider, err := newLoggerProvider(ctx)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	if !TelemetryEnabled() {
		return
	}

	tracerProvider, err := newTraceProvider(ctx, res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	meterProvider, err := newMeterProvider(ctx)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	return
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func dsnHeaders() map[string]string {
	return map[string]string{
		"uptrace-dsn": os.Getenv(base.OTLPDSNEnvVar),
	}
}

func endpoint(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func newTraceProvider(ctx context.Context, res *resource.Resource) (*trace.TracerProvider, error) {
	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint(otlpEndpointEnvVar, defaultOTLPEndpoint)),
		otlptracehttp.WithHeaders(dsnHeaders()),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	)
	if err != nil {
		return nil, err
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithIDGenerator(xray.NewIDGenerator()),
		trace.WithBatcher(traceExporter,
			trace.WithBatchTimeout(time.Second)),
	), nil
}

func newMeterProvider(ctx context.Context) (*metric.MeterProvider, error) {
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint(otlpGRPCEndpointEnvVar, defaultOTLPGRPC)),
		otlpmetricgrpc.WithHeaders(dsnHeaders()),
		otlpmetricgrpc.WithCompressor(gzip.Name),
	)
	if err != nil {
		return nil, err
	}

	reader := metric.NewPeriodicReader(
		metricExporter,
		metric.WithInterval(15*time.Second),
	)

	return metric.NewMeterProvider(
		metric.WithReader(reader),
	), nil
}

func newLoggerProvider(ctx context.Context) (*log.LoggerProvider, error) {
	if !TelemetryEnabled() {
		logExporter, err := stdoutlog.New()
		if err != nil {
			return nil, err
		}
		return log.NewLoggerProvider(
			log.WithProcessor(log.NewBatchProcessor(logExporter)),
		), nil
	}

	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(endpoint(otlpEndpointEnvVar, defaultOTLPEndpoint)),
		otlploghttp.WithHeaders(dsnHeaders()),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	)
	if err != nil {
		return nil, err
	}

	return log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(logExporter)),
	), nil
}
