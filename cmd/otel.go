//go:build otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/reflexcore/internal/config"
	"github.com/nextlevelbuilder/reflexcore/internal/tracing/otelexport"
)

// initTelemetry installs the OTLP exporter when telemetry is enabled and
// returns its shutdown func. Only compiled with -tags otel.
func initTelemetry(ctx context.Context, cfg *config.Config) func(context.Context) error {
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint == "" {
		slog.Debug("otel.disabled", "hint", "set telemetry.enabled and telemetry.endpoint")
		return noopShutdown
	}

	exp, err := otelexport.New(ctx, otelexport.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		AgentName:      cfg.Agent.Name,
		Headers:        cfg.Telemetry.Headers,
	})
	if err != nil {
		slog.Warn("otel.exporter_failed", "error", err)
		return noopShutdown
	}
	slog.Info("otel.export_enabled",
		"endpoint", cfg.Telemetry.Endpoint,
		"protocol", cfg.Telemetry.Protocol,
	)
	return exp.Shutdown
}
