package compliance

import (
	"context"
	"errors"
	"testing"
)

func TestEvaluateHealthyWithNoChecks(t *testing.T) {
	c := NewChecker()
	summary := c.Evaluate(context.Background())
	if !summary.Healthy() {
		t.Fatal("expected empty checker to be healthy")
	}
}

func TestEvaluateAggregatesFailuresAndWarnings(t *testing.T) {
	c := NewChecker(
		CheckFunc(func(context.Context) Result { return Result{Name: "pass", Status: StatusPass} }),
		CheckFunc(func(context.Context) Result { return Result{Name: "warn", Status: StatusWarn} }),
		CheckFunc(func(context.Context) Result { return Result{Name: "fail", Status: StatusFail, Error: errors.New("boom")} }),
	)

	summary := c.Evaluate(context.Background())
	if summary.Healthy() {
		t.Fatal("expected unhealthy summary")
	}
	if len(summary.Failed) != 1 || summary.Failed[0].Name != "fail" {
		t.Fatalf("failed = %+v", summary.Failed)
	}
	if len(summary.Warnings) != 1 || summary.Warnings[0].Name != "warn" {
		t.Fatalf("warnings = %+v", summary.Warnings)
	}
	if summary.Error() == nil {
		t.Fatal("expected aggregated error to be non-nil")
	}
}

func TestRegisterAppendsChecks(t *testing.T) {
	c := NewChecker()
	c.Register(CheckFunc(func(context.Context) Result {
		return Result{Name: "added", Status: StatusPass}
	}))
	summary := c.Evaluate(context.Background())
	if len(summary.Results) != 1 || summary.Results[0].Name != "added" {
		t.Fatalf("results = %+v", summary.Results)
	}
}

func TestResultDefaultsWhenUnset(t *testing.T) {
	c := NewChecker(CheckFunc(func(context.Context) Result { return Result{} }))
	summary := c.Evaluate(context.Background())
	if len(summary.Results) != 1 {
		t.Fatalf("results = %+v", summary.Results)
	}
	if summary.Results[0].Status != StatusUnknown {
		t.Fatalf("status = %v, want StatusUnknown", summary.Results[0].Status)
	}
	if summary.Results[0].Name == "" {
		t.Fatal("expected a synthesized name from the check function")
	}
}
