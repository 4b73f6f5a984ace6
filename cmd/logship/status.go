package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szibis/logship/internal/config"
	"github.com/szibis/logship/internal/health"
	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/stream"
	tlspkg "github.com/szibis/logship/internal/tls"
)

// newStatusMux serves /metrics from reg, the health probes and a JSON stats
// snapshot on /stats.
func newStatusMux(reg *prometheus.Registry, checker *health.Checker, shipper *stream.Shipper) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/live", checker.LiveHandler())
	mux.HandleFunc("/ready", checker.ReadyHandler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(shipper.Stats())
	})
	return mux
}

// startStatusServer listens on cfg.StatusListen. Returns nil when the
// listener is disabled.
func startStatusServer(cfg *config.Config, reg *prometheus.Registry, checker *health.Checker, shipper *stream.Shipper) (*http.Server, error) {
	if cfg.StatusListen == "" {
		return nil, nil
	}
	tlsCfg, err := tlspkg.NewServerTLSConfig(cfg.StatusTLS)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.StatusListen)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           newStatusMux(reg, checker, shipper),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		logging.Info("status endpoint started", logging.F(
			"addr", ln.Addr().String(),
			"tls", tlsCfg != nil,
		))
		var err error
		if tlsCfg != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("status server error", logging.F("error", err.Error()))
		}
	}()
	return srv, nil
}
