// Package otelexport ships spans started through internal/tracing to an
// OTLP collector. It is only linked into binaries built with -tags otel.
package otelexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	DefaultServiceName = "reflexcore"
	defaultVersion     = "dev"
)

// ErrUnknownProtocol is returned for a protocol other than grpc or http.
var ErrUnknownProtocol = errors.New("unknown OTLP protocol")

// Config configures the OTLP exporter.
type Config struct {
	Endpoint       string            // host:port of the collector
	Protocol       string            // "grpc" (default) or "http"
	Insecure       bool              // plaintext, for local collectors
	ServiceName    string            // default "reflexcore"
	ServiceVersion string            // binary version
	AgentName      string            // recorded as service.instance.id
	Headers        map[string]string // e.g. collector auth
}

// Exporter owns the SDK tracer provider installed as the global provider,
// so every span started through internal/tracing is exported.
type Exporter struct {
	provider *sdktrace.TracerProvider
}

// New creates the OTLP exporter and installs it globally.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTLP endpoint is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttrs(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	spans, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Exporter{provider: tp}, nil
}

func resourceAttrs(cfg Config) []attribute.KeyValue {
	name, version := cfg.ServiceName, cfg.ServiceVersion
	if name == "" {
		name = DefaultServiceName
	}
	if version == "" {
		version = defaultVersion
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name), semconv.ServiceVersion(version)}
	if cfg.AgentName != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.AgentName))
	}
	return attrs
}

// spanExporter builds the OTLP client for cfg.Protocol. Neither client
// dials before the first export.
func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	case "grpc", "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("otel %s exporter: %w", cfg.Protocol, err)
	}
	return exp, nil
}

// Shutdown flushes remaining spans and stops the provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Info("otel.exporter_shutdown")
	return e.provider.Shutdown(ctx)
}
