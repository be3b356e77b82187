package telemetry

import (
	"context"
	"testing"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := Setup(context.Background(), "deploystore-test", "  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetupCreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address so nothing is exported.
	shutdown, err := Setup(context.Background(), "deploystore-test", "http://192.0.2.1:4318")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
