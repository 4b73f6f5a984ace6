package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	otellog "go.opentelemetry.io/otel/log"

	"github.com/szibis/logship/internal/logging"
)

var testService = Service{Name: "logship-test", Version: "1.0.0"}

func TestInit_Disabled(t *testing.T) {
	tel, err := Init(context.Background(), Config{}, testService, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tel != nil {
		t.Error("expected nil telemetry when endpoint is empty")
	}
}

func TestInit_Protocols(t *testing.T) {
	for _, proto := range []string{"", "grpc", "http"} {
		t.Run("proto="+proto, func(t *testing.T) {
			cfg := Config{Endpoint: "localhost:4317", Protocol: proto, Insecure: true, RetryEnabled: true}
			// No collector listens; setup must still succeed.
			tel, err := Init(context.Background(), cfg, testService, prometheus.NewRegistry())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer tel.Shutdown(context.Background())
			if !tel.Enabled() || tel.Logger() == nil {
				t.Error("expected telemetry to be enabled")
			}
		})
	}
}

func TestInit_UnknownProtocol(t *testing.T) {
	cfg := Config{Endpoint: "localhost:4317", Protocol: "udp"}
	if _, err := Init(context.Background(), cfg, testService, nil); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestTelemetry_Nil(t *testing.T) {
	var tel *Telemetry
	if tel.Enabled() {
		t.Error("nil telemetry should not be enabled")
	}
	if tel.Logger() != nil {
		t.Error("nil telemetry logger should be nil")
	}
	if tel.NewLogHook() != nil {
		t.Error("nil telemetry should return nil hook")
	}
	if tel.ShutdownTimeout() != defaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v", tel.ShutdownTimeout())
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("nil telemetry shutdown should not error: %v", err)
	}
}

func TestNewLogHook_Emits(t *testing.T) {
	cfg := Config{Endpoint: "localhost:4317", Insecure: true}
	tel, err := Init(context.Background(), cfg, testService, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tel.Shutdown(context.Background())

	hook := tel.NewLogHook()
	if hook == nil {
		t.Fatal("expected non-nil hook")
	}
	// Records are batched; the export fails without a collector.
	hook(logging.LevelInfo, "records lost", logging.F("stream", "main", "records", 12, "sequence", uint64(7)))
	hook(logging.LevelWarn, "circuit breaker opened", nil)
	hook(logging.LevelDebug, "delivery failed, retrying", logging.F("error", errors.New("boom")))
}

func TestToOTELSeverity(t *testing.T) {
	tests := []struct {
		level    logging.Level
		expected otellog.Severity
	}{
		{logging.LevelDebug, otellog.SeverityDebug},
		{logging.LevelInfo, otellog.SeverityInfo},
		{logging.LevelWarn, otellog.SeverityWarn},
		{logging.LevelError, otellog.SeverityError},
		{logging.LevelFatal, otellog.SeverityFatal},
	}
	for _, tt := range tests {
		if got := toOTELSeverity(tt.level); got != tt.expected {
			t.Errorf("toOTELSeverity(%s) = %v, want %v", tt.level, got, tt.expected)
		}
	}
}

func TestToOTELValue(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		kind  otellog.Kind
	}{
		{"string", "hello", otellog.KindString},
		{"int", 42, otellog.KindInt64},
		{"int64", int64(100), otellog.KindInt64},
		{"uint64", uint64(100), otellog.KindInt64},
		{"huge uint64", ^uint64(0), otellog.KindString},
		{"float64", 3.14, otellog.KindFloat64},
		{"bool", true, otellog.KindBool},
		{"error", errors.New("x"), otellog.KindString},
		{"nil", nil, otellog.KindString},
		{"struct", struct{ A int }{1}, otellog.KindString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toOTELValue(tt.input).Kind(); got != tt.kind {
				t.Errorf("toOTELValue(%v) kind = %v, want %v", tt.input, got, tt.kind)
			}
		})
	}
}
