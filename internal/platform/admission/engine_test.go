package admission

import (
	"context"
	"testing"
)

const testPolicy = `
package enclavegate.admission

import rego.v1

default decision := {
	"memory_max_bytes": 67108864,
	"wall_clock_seconds": 10,
}

decision := result if {
	input.kind == "policy"
	result := {
		"memory_max_bytes": 16777216,
		"wall_clock_seconds": 5,
	}
}
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(context.Background(), Config{
		Query:   "data.enclavegate.admission.decision",
		Modules: map[string]string{"admission.rego": testPolicy},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestResolveDefaultDecision(t *testing.T) {
	e := newTestEngine(t)
	d, err := e.Resolve(context.Background(), map[string]any{"kind": "wasm"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.MemoryMaxBytes != 67108864 {
		t.Fatalf("memory_max_bytes = %d, want 67108864", d.MemoryMaxBytes)
	}
	if d.WallClockSeconds != 10 {
		t.Fatalf("wall_clock_seconds = %v, want 10", d.WallClockSeconds)
	}
}

func TestResolveRouteSpecificDecision(t *testing.T) {
	e := newTestEngine(t)
	d, err := e.Resolve(context.Background(), map[string]any{"kind": "policy"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.MemoryMaxBytes != 16777216 {
		t.Fatalf("memory_max_bytes = %d, want 16777216", d.MemoryMaxBytes)
	}
}

func TestResolveCachesDecision(t *testing.T) {
	e := newTestEngine(t)
	input := map[string]any{"kind": "wasm"}
	first, err := e.Resolve(context.Background(), input)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := e.Resolve(context.Background(), input)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.MemoryMaxBytes != second.MemoryMaxBytes || first.WallClockSeconds != second.WallClockSeconds {
		t.Fatalf("cached decision mismatch: %+v != %+v", first, second)
	}
}

func TestNewRejectsEmptyQuery(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestResolveOnNilEngineFails(t *testing.T) {
	var e *Engine
	if _, err := e.Resolve(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error resolving on a nil engine")
	}
}
