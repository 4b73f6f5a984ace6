package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/logship/internal/config"
	"github.com/szibis/logship/internal/health"
	"github.com/szibis/logship/internal/stream"
)

func TestStatusMux(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Streams[0].Name = "main"
	cfg.Streams[0].Endpoint = "https://logs.example.com/ingest"
	cfg.CheckpointDir = t.TempDir()

	reg := prometheus.NewRegistry()
	checker := health.New()
	shipper, err := buildShipper(cfg, reg, checker)
	if err != nil {
		t.Fatalf("buildShipper failed: %v", err)
	}
	defer shipper.Shutdown(t.Context())

	srv := httptest.NewServer(newStatusMux(reg, checker, shipper))
	defer srv.Close()
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `logship_queue_capacity_bytes{stream="main"}`) {
		t.Errorf("metrics output misses the stream series:\n%s", body)
	}

	resp, err = client.Get(srv.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	var ready health.Response
	_ = json.NewDecoder(resp.Body).Decode(&ready)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || ready.Components["stream:main"].Status != health.StatusUp {
		t.Errorf("ready = %d %+v", resp.StatusCode, ready)
	}
	if _, ok := ready.Components["checkpoint:main"]; !ok {
		t.Error("checkpoint readiness not registered")
	}

	resp, err = client.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats []stream.Stats
	_ = json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if len(stats) != 1 || stats[0].Name != "main" {
		t.Errorf("stats = %+v", stats)
	}
}
