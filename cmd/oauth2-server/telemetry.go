package main

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanProcessors returns the processors for finished spans. Without an
// exporter configured, spans are written to the debug log.
func spanProcessors(cfg *Config, logger *slog.Logger) []sdktrace.SpanProcessor {
	if !cfg.Telemetry.Enabled {
		return nil
	}
	return []sdktrace.SpanProcessor{&logSpanProcessor{logger: logger}}
}

// logSpanProcessor logs each finished span at debug level, or at warn when
// the span recorded an error.
type logSpanProcessor struct {
	logger *slog.Logger
}

var _ sdktrace.SpanProcessor = (*logSpanProcessor)(nil)

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	level := slog.LevelDebug
	if s.Status().Code == codes.Error {
		level = slog.LevelWarn
	}
	if !p.logger.Enabled(context.Background(), level) {
		return
	}

	attrs := []any{
		"trace_id", s.SpanContext().TraceID().String(),
		"span_id", s.SpanContext().SpanID().String(),
		"duration", s.EndTime().Sub(s.StartTime()),
	}
	if s.Status().Description != "" {
		attrs = append(attrs, "status", s.Status().Description)
	}
	for _, kv := range s.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.Emit())
	}
	p.logger.Log(context.Background(), level, "Span "+s.Name(), attrs...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
