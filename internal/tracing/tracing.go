// Package tracing wraps the OpenTelemetry API for reflexcore spans. Without
// an exporter (see tracing/otelexport, built with -tags otel) the global
// provider is a no-op and spans cost almost nothing.
package tracing

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/nextlevelbuilder/reflexcore"
	previewMaxLen       = 500
)

// Span names.
const (
	SpanActionRun         = "action.run"
	SpanModePreempt       = "mode.preempt"
	SpanConversationFlush = "conversation.flush"
	SpanDecisionCall      = "conversation.should_respond"
)

// Attribute keys.
const (
	AttrLabel       = attribute.Key("reflexcore.action.label")
	AttrInterrupted = attribute.Key("reflexcore.action.interrupted")
	AttrTimedOut    = attribute.Key("reflexcore.action.timed_out")
	AttrMode        = attribute.Key("reflexcore.mode.name")
	AttrPeer        = attribute.Key("reflexcore.peer")
	AttrAgent       = attribute.Key("reflexcore.agent")
)

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Start opens a span under the global tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err (if any) on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Preview(err.Error()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Preview sanitizes and truncates s to previewMaxLen bytes without
// splitting a rune.
func Preview(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= previewMaxLen {
		return s
	}
	maxLen := previewMaxLen
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
