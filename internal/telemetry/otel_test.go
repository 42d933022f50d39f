package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitTracer(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{"host and port", "localhost:4318", false},
		{"full url", "https://collector.example.com:4318/v1/traces", false},
		{"empty endpoint", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			tp, err := InitTracer(ctx, ServiceName, "test", tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("InitTracer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tp == nil {
				return
			}
			// Nothing was recorded, so shutdown does not reach the collector.
			if err := Shutdown(ctx, tp); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		})
	}
}

func TestShutdown_NilProvider(t *testing.T) {
	if err := Shutdown(context.Background(), nil); err != nil {
		t.Errorf("Shutdown() with nil provider should not error, got: %v", err)
	}
}

func TestExporterOptions(t *testing.T) {
	if got := len(exporterOptions("localhost:4318")); got != 2 {
		t.Errorf("host:port options = %d, want endpoint and insecure", got)
	}
	if got := len(exporterOptions("https://collector.example.com")); got != 1 {
		t.Errorf("url options = %d, want 1", got)
	}
}
