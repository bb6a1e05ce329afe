// Package observability wires the process-wide slog backend. Local formats
// write to stdout; the otlp format ships records to an OpenTelemetry
// collector so editor-side logs land next to backend traces.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// loggerName identifies this process in exported log records.
const loggerName = "polybridge"

// ShutdownFunc flushes and stops any background log export. Always non-nil.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger for the given format and
// minimum level. All handlers are wrapped with trace correlation so records
// logged under an extracted trace context carry trace_id/span_id.
func Instrument(ctx context.Context, level slog.Level, logFormat string) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	switch strings.ToLower(logFormat) {
	case "text", "json":
		handler, err := newStdoutHandler(level, logFormat)
		if err != nil {
			return noop, err
		}
		slog.SetDefault(slog.New(newTraceContextHandler(handler)))
		return noop, nil

	case "otlp":
		provider, err := newLoggerProvider(ctx, level)
		if err != nil {
			return noop, err
		}
		handler := otelslog.NewHandler(loggerName, otelslog.WithLoggerProvider(provider))
		slog.SetDefault(slog.New(newTraceContextHandler(handler)))
		return provider.Shutdown, nil

	default:
		return noop, fmt.Errorf("unsupported log format %q (expected: json, text, otlp)", logFormat)
	}
}

// newStdoutHandler creates a handler for human-readable logs.
func newStdoutHandler(level slog.Level, logFormat string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(logFormat) {
	case "json":
		return slog.NewJSONHandler(os.Stdout, opts), nil
	case "text":
		return slog.NewTextHandler(os.Stdout, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q (expected: json, text)", logFormat)
	}
}

// newLoggerProvider builds the OTLP export pipeline: exporter (protocol per
// OTEL_EXPORTER_OTLP_PROTOCOL), batch processor, and severity filter so the
// collector never receives records below the configured level.
func newLoggerProvider(ctx context.Context, level slog.Level) (*sdklog.LoggerProvider, error) {
	exporter, err := newLogExporter(ctx)
	if err != nil {
		return nil, err
	}

	processor := minsev.NewLogProcessor(
		sdklog.NewBatchProcessor(exporter),
		minSeverity(level),
	)
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(processor)), nil
}

// newLogExporter selects the OTLP transport. Endpoint and headers follow the
// standard OTEL_EXPORTER_OTLP_* environment variables; "stdout" exports
// pretty-printed records locally for pipeline debugging.
func newLogExporter(ctx context.Context) (sdklog.Exporter, error) {
	protocol := os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL")
	switch protocol {
	case "", "grpc":
		return otlploggrpc.New(ctx)
	case "http/protobuf", "http":
		return otlploghttp.New(ctx)
	case "stdout":
		return stdoutlog.New(stdoutlog.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q (expected: grpc, http/protobuf, stdout)", protocol)
	}
}

// minSeverity maps an slog level to the minsev filter threshold.
func minSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
