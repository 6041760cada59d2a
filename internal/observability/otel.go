// internal/observability/otel.go
package observability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	tracesPath    = "/v1/traces"
	logsPath      = "/v1/logs"
	exportTimeout = 30 * time.Second
	maxQueueSize  = 2048
)

// ShutdownFunc flushes and stops what a Setup call started.
type ShutdownFunc func(context.Context) error

// Service identifies the process in exported telemetry.
type Service struct {
	Name    string
	Version string
}

func newResource(svc Service) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(svc.Name),
			semconv.ServiceVersion(svc.Version),
		),
	)
}

// shutdowns runs registered functions in reverse order and joins their
// errors.
type shutdowns []func(context.Context) error

func (s *shutdowns) add(fn func(context.Context) error) {
	*s = append(*s, fn)
}

func (s *shutdowns) run(ctx context.Context) error {
	var errs error
	for i := len(*s) - 1; i >= 0; i-- {
		errs = errors.Join(errs, (*s)[i](ctx))
	}
	*s = nil
	return errs
}

// endpointURL turns "collector:4318" or "http://collector:4318" into a full
// signal URL.
func endpointURL(endpoint, path string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return endpoint + path
}

// SetupTracing installs a global tracer provider exporting spans over
// OTLP/HTTP and the W3C propagators. An empty endpoint leaves the no-op
// provider in place.
func SetupTracing(ctx context.Context, svc Service, endpoint string) (ShutdownFunc, error) {
	var fns shutdowns

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if endpoint == "" {
		return fns.run, nil
	}

	res, err := newResource(svc)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpointURL(endpoint, tracesPath)),
		otlptracehttp.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxQueueSize(maxQueueSize),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	fns.add(tp.Shutdown)

	return fns.run, nil
}

// SetupLogging installs a global OTLP/HTTP logger provider for the otelzap
// bridge. An empty endpoint leaves the no-op provider in place.
func SetupLogging(ctx context.Context, svc Service, endpoint string) (ShutdownFunc, error) {
	var fns shutdowns
	if endpoint == "" {
		return fns.run, nil
	}

	res, err := newResource(svc)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpointURL(endpointURL(endpoint, logsPath)),
		otlploghttp.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter,
			sdklog.WithExportTimeout(exportTimeout),
			sdklog.WithMaxQueueSize(maxQueueSize),
		)),
	)
	global.SetLoggerProvider(lp)
	fns.add(lp.Shutdown)

	return fns.run, nil
}
