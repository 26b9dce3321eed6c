// Package tracing wires OpenTelemetry spans for connections and process
// invocations. Until Init installs a provider the global no-op tracer is used,
// so Start and End are always safe to call.
package tracing

import (
	"context"
	"errors"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/Xilinx/fpga-server"

	OutputStdout = "stdout"
)

type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a stdout exporter writing to output: "" disables tracing,
// "stdout" writes to os.Stdout, anything else is a file path.
func Init(serviceName, serviceVersion, output string) (ShutdownFunc, error) {
	if output == "" {
		return noop, nil
	}

	var w io.Writer = os.Stdout
	var closer io.Closer
	if output != OutputStdout {
		f, err := os.Create(output)
		if err != nil {
			return noop, err
		}
		w, closer = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return noop, err
	}
	shutdown, err := InitWithExporter(serviceName, serviceVersion, exporter)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return noop, err
	}
	if closer == nil {
		return shutdown, nil
	}
	return func(ctx context.Context) error {
		return errors.Join(shutdown(ctx), closer.Close())
	}, nil
}

// InitWithExporter registers exporter behind the global tracer provider.
// Spans are exported synchronously when they end.
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (ShutdownFunc, error) {
	if exporter == nil {
		return noop, nil
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
}

// End records err (if any) as the span status and ends the span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
