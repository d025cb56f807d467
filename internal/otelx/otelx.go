// Package otelx wires the OpenTelemetry tracer provider the pipeline
// coordinator uses to emit one span per request (C8's supplementary
// distributed-tracing path, alongside the in-memory trace recorder).
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config controls exporter construction.
type Config struct {
	Enabled        bool
	OTLPEndpoint   string // host:port, e.g. "otel-collector:4317"
	ServiceName    string
	SampleFraction float64 // 0..1, default 1.0
}

// Provider wraps the SDK tracer provider so main can flush it on
// shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds and registers a global tracer provider. When disabled it
// registers a no-op provider so callers can unconditionally call
// otel.Tracer(...) without checking a flag.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(otel.GetTracerProvider())
		return &Provider{}, nil
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	fraction := cfg.SampleFraction
	if fraction <= 0 {
		fraction = 1.0
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction))),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans, part of the coordinator's graceful
// shutdown sequence.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}
