package otelx

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans to the global zerolog logger at debug.
type LogExporter struct{}

var _ sdktrace.SpanExporter = LogExporter{}

func NewLogExporter() LogExporter { return LogExporter{} }

func (LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		evt := log.Debug()
		if s.Status().Code == codes.Error {
			evt = log.Warn().Str("status", s.Status().Description)
		}
		for _, kv := range s.Attributes() {
			evt = evt.Str(string(kv.Key), kv.Value.Emit())
		}
		evt.
			Str("span", s.Name()).
			Str("trace_id", s.SpanContext().TraceID().String()).
			Dur("duration", s.EndTime().Sub(s.StartTime())).
			Msg("span finished")
	}
	return nil
}

func (LogExporter) Shutdown(context.Context) error { return nil }
