package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/agentuity/feedback-bridge/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type ShutdownFunc func()

// Config selects where traces and logs are exported
type Config struct {
	// Endpoint is the OTLP/HTTP base url, /v1/traces and /v1/logs are appended
	Endpoint       string
	Token          string
	ServiceName    string
	ServiceVersion string
}

func endpointURL(base *url.URL, path string) string {
	u := *base
	u.Path = path
	return u.String()
}

// New installs global trace and propagation providers exporting to cfg.Endpoint and
// returns console stacked on an OTLP logger. With no endpoint it returns console and a
// no-op shutdown.
func New(ctx context.Context, cfg Config, console logger.Logger) (logger.Logger, ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		return console, func() {}, nil
	}
	otlpURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error parsing otlp endpoint")
	}
	if otlpURL.Scheme != "http" && otlpURL.Scheme != "https" {
		return nil, nil, errors.Newf("otlp endpoint must be http or https, got %q", cfg.Endpoint)
	}

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		console.Warn("telemetry resource is incomplete: %s", err)
	} else if err != nil {
		return nil, nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}
	insecure := otlpURL.Scheme == "http"

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(endpointURL(otlpURL, "/v1/traces")),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(10 * time.Second),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(endpointURL(otlpURL, "/v1/logs")),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(10 * time.Second),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating trace exporter")
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating log exporter")
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	otelLogger := logger.NewOtelLogger(logProvider.Logger(cfg.ServiceName), logger.LevelTrace)

	return console.Stack(otelLogger), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			fmt.Printf("error shutting down trace provider: %s\n", err)
		}
		if err := logProvider.Shutdown(ctx); err != nil {
			fmt.Printf("error shutting down log provider: %s\n", err)
		}
	}, nil
}
