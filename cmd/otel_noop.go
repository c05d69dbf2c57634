//go:build !otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/reflexcore/internal/config"
)

// initTelemetry is a no-op when built without the "otel" tag.
// Build with `go build -tags otel` to enable OpenTelemetry export.
func initTelemetry(_ context.Context, cfg *config.Config) func(context.Context) error {
	if cfg.Telemetry.Enabled {
		slog.Warn("otel.not_compiled", "hint", "rebuild with -tags otel")
	}
	return noopShutdown
}
