// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/fhirfactory/hestia-audit-relay/pkg/config"
)

func restoreGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInitDisabled(t *testing.T) {
	restoreGlobalProvider(t)

	ctx := context.Background()
	tp, shutdown, err := Init(ctx, Options{Enabled: false})
	if err != nil {
		t.Fatalf("Init(disabled) returned error: %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown returned error: %v", err)
	}
	if _, ok := tp.(noop.TracerProvider); !ok {
		t.Errorf("expected noop.TracerProvider, got %T", tp)
	}
}

func TestInitExporters(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "none", opts: Options{Exporter: "none", ServiceName: "test-service", Node: "relay-1"}},
		{name: "stdout", opts: Options{Exporter: "stdout", SamplingRate: 0.5}},
		// The OTLP exporter connects lazily, so a non-routable endpoint is fine.
		{name: "otlp", opts: Options{Exporter: "otlp", Endpoint: "localhost:0", Insecure: true}},
		{name: "negative sampling rate", opts: Options{Exporter: "none", SamplingRate: -0.5}},
		{name: "sampling rate above one", opts: Options{Exporter: "none", SamplingRate: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreGlobalProvider(t)

			ctx := context.Background()
			tt.opts.Enabled = true
			tt.opts.Logger = zaptest.NewLogger(t)
			tp, shutdown, err := Init(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Init returned error: %v", err)
			}
			t.Cleanup(func() { _ = shutdown(ctx) })

			if _, ok := tp.(*sdktrace.TracerProvider); !ok {
				t.Errorf("expected SDK TracerProvider, got %T", tp)
			}
			if otel.GetTracerProvider() != tp {
				t.Error("global TracerProvider not installed")
			}
		})
	}
}

func TestInitInvalidExporter(t *testing.T) {
	_, _, err := Init(context.Background(), Options{Enabled: true, Exporter: "invalid-exporter"})
	if err == nil {
		t.Fatal("expected error for invalid exporter, got nil")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	restoreGlobalProvider(t)

	ctx := context.Background()
	_, shutdown, err := Init(ctx, Options{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("first shutdown returned error: %v", err)
	}
	_ = shutdown(ctx)
}

func TestOptionsFromConfig(t *testing.T) {
	var cfg config.Config
	cfg.Telemetry = config.Telemetry{Enabled: true, Exporter: "stdout", Endpoint: "collector:4317", SamplingRate: 0.25}
	cfg.Cluster.Node = "relay-2"

	opts := OptionsFromConfig(cfg, "v1.0.0", zaptest.NewLogger(t))
	if !opts.Enabled || opts.Exporter != "stdout" || opts.Endpoint != "collector:4317" {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.Node != "relay-2" || opts.ServiceVersion != "v1.0.0" || opts.SamplingRate != 0.25 {
		t.Errorf("unexpected options %+v", opts)
	}
}
