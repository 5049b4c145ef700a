package telemetry

import (
	"context"
	"testing"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	cases := []config.TelemetryConfig{
		{},
		{Enabled: false, Endpoint: "http://localhost:4318"},
		{Enabled: true},
	}
	for _, cfg := range cases {
		shutdown, err := Setup(context.Background(), cfg, "save-sync")
		if err != nil {
			t.Fatalf("%+v: unexpected error: %v", cfg, err)
		}
		if err := shutdown.Invoke(context.Background()); err != nil {
			t.Fatalf("%+v: noop shutdown failed: %v", cfg, err)
		}
	}
}

func TestSetupEnabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true, Endpoint: "http://127.0.0.1:4318"}, "save-sync")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	// nothing was exported, so shutdown has no spans to push
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
