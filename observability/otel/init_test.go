package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("init accepted an empty service name")
	}
}

func TestCollectorOptsIncludeOptionalKnobs(t *testing.T) {
	cfg := Config{Endpoint: "collector:4318"}
	opts := collectorOpts(cfg, otlptracehttp.WithEndpoint, otlptracehttp.WithInsecure, otlptracehttp.WithHeaders)
	if len(opts) != 1 {
		t.Fatalf("bare config produced %d options, want 1", len(opts))
	}
	cfg.Insecure = true
	cfg.Headers = map[string]string{"authorization": "bearer x"}
	opts = collectorOpts(cfg, otlptracehttp.WithEndpoint, otlptracehttp.WithInsecure, otlptracehttp.WithHeaders)
	if len(opts) != 3 {
		t.Fatalf("full config produced %d options, want 3", len(opts))
	}
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization = bearer x , x-tenant=acme ,, bad-pair ")
	if len(got) != 2 {
		t.Fatalf("parsed %d headers, want 2: %v", len(got), got)
	}
	if got["authorization"] != "bearer x" {
		t.Fatalf("authorization = %q", got["authorization"])
	}
	if got["x-tenant"] != "acme" {
		t.Fatalf("x-tenant = %q", got["x-tenant"])
	}
	if got := ParseHeaders(""); len(got) != 0 {
		t.Fatalf("empty input produced headers: %v", got)
	}
}
