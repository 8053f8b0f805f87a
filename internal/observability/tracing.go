// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TracingConfig selects and configures the span exporter a
// TracerProvider ships spans through. Grounded on the teacher's
// internal/tracing.ExporterConfig/CreateExporter switch, narrowed to the
// three backends worth carrying here (the teacher's TLS/headers/
// retention/sampling machinery belongs to a full tracing platform this
// repo doesn't otherwise need).
type TracingConfig struct {
	// Exporter selects the span exporter: "stdout", "otlp-grpc",
	// "otlp-http", or "" (tracing disabled).
	Exporter string
	// Endpoint is the OTLP collector address, required for the
	// otlp-grpc/otlp-http exporters.
	Endpoint string
	// Insecure skips TLS for the OTLP exporters (local collector only).
	Insecure bool
	ServiceName    string
	ServiceVersion string
}

// NewTracerProvider builds an sdktrace.TracerProvider per cfg.Exporter
// and registers it as the global otel tracer provider, mirroring the
// teacher's NewOTelProvider (resource.Merge + otel.SetTracerProvider).
// A nil provider is returned, with no error, when cfg.Exporter is empty
// — tracing is entirely optional, so every call site below treats it as
// a noop the same way (otel's own noop tracer.Start is a no-cost no-op).
func NewTracerProvider(ctx context.Context, cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		return nil, nil
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())

	case "otlp-grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
		return otlptracegrpc.New(ctx, opts...)

	case "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// StepTracer names the tracer instrumentation scope the executor starts
// its step spans against.
const StepTracer = "github.com/tombee/workflow-core/internal/executor"

// Tracer returns the global tracer provider's tracer for name — a noop
// tracer producing no-cost no-op spans when tracing is disabled.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
