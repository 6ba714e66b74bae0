package otel

import (
	"context"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still expose tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestInitStdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init stdout: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TickDuration == nil || m.BridgeRejects == nil {
		t.Fatal("instruments not created")
	}
	m.TasksDispatched.Add(context.Background(), 1)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{Version: "v1.2.3"})
	found := false
	for _, a := range attrs {
		if string(a.Key) == "hearth.version" && a.Value.AsString() == "v1.2.3" {
			found = true
		}
		if string(a.Key) == "service.name" && a.Value.AsString() != "hearth-scheduler" {
			t.Errorf("default service name = %q", a.Value.AsString())
		}
	}
	if !found {
		t.Error("configured version not stamped on resource attributes")
	}

	for _, a := range resourceAttributes(Config{}) {
		if string(a.Key) == "hearth.version" {
			t.Error("version attribute emitted with no version configured")
		}
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "bogus"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
