package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/szibis/logship/internal/checkpoint"
	"github.com/szibis/logship/internal/config"
	"github.com/szibis/logship/internal/health"
	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/metrics"
	"github.com/szibis/logship/internal/stream"
	"github.com/szibis/logship/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowHelp {
		config.PrintUsage(os.Stdout)
		return
	}
	if cfg.ShowVersion {
		config.PrintVersion(os.Stdout)
		return
	}

	hostname, _ := os.Hostname()
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetResource(map[string]string{
		"service.name":    "logship",
		"service.version": config.GetVersion(),
		"host.name":       hostname,
	})

	if cfg.MemoryLimitRatio > 0 {
		setMemoryLimit(cfg.MemoryLimitRatio)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tel, err := telemetry.Init(ctx, cfg.Telemetry, telemetry.Service{
		Name:       "logship",
		Version:    config.GetVersion(),
		InstanceID: hostname,
	}, reg)
	if err != nil {
		logging.Fatal("failed to initialize telemetry", logging.F("error", err.Error()))
	}
	if hook := tel.NewLogHook(); hook != nil {
		logging.SetHook(hook)
		logging.Info("OTLP self telemetry enabled", logging.F(
			"endpoint", cfg.Telemetry.Endpoint,
			"protocol", cfg.Telemetry.Protocol,
		))
	}

	checker := health.New()
	shipper, err := buildShipper(cfg, reg, checker)
	if err != nil {
		logging.Fatal("failed to build streams", logging.F("error", err.Error()))
	}

	input, origin, err := openInput(cfg.Input, cfg.Origin)
	if err != nil {
		logging.Fatal("failed to open input", logging.F("input", cfg.Input, "error", err.Error()))
	}
	defer input.Close()

	status, err := startStatusServer(cfg, reg, checker, shipper)
	if err != nil {
		logging.Fatal("failed to start status server", logging.F("addr", cfg.StatusListen, "error", err.Error()))
	}

	runErr := make(chan error, 1)
	go func() { runErr <- shipper.Run(context.Background()) }()

	src := &lineSource{r: input, origin: origin}
	for _, s := range shipper.Streams() {
		src.streams = append(src.streams, s)
	}
	inputDone := make(chan error, 1)
	go func() { inputDone <- src.Run(ctx) }()

	logging.Info("logship started", logging.F(
		"version", config.GetVersion(),
		"config", cfg.String(),
	))

	select {
	case <-ctx.Done():
		logging.Info("shutdown signal received")
	case err := <-inputDone:
		if err != nil {
			logging.Error("input failed", logging.F("error", err.Error()))
		} else {
			logging.Info("input exhausted", logging.F("lines", src.Lines(), "rejected", src.Rejected()))
		}
	case err := <-runErr:
		logging.Error("streams stopped unexpectedly", logging.F("error", fmt.Sprint(err)))
	}

	checker.SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stats, err := shipper.Shutdown(shutdownCtx)
	if err != nil {
		logging.Error("shutdown did not complete", logging.F("error", err.Error()))
	}
	var lost uint64
	for _, st := range stats {
		lost += st.LostRecords
		logging.Info("stream final stats", logging.F(
			"stream", st.Name,
			"enqueued", st.Enqueued,
			"batches", st.Batches,
			"acknowledged", st.Acknowledged,
			"lost_batches", st.LostBatches,
			"lost_records", st.LostRecords,
			"last_acknowledged", st.LastAcknowledged,
		))
	}

	if status != nil {
		_ = status.Shutdown(shutdownCtx)
	}
	telCtx, telCancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
	defer telCancel()
	if err := tel.Shutdown(telCtx); err != nil {
		logging.Warn("telemetry shutdown error", logging.F("error", err.Error()))
	}

	if lost > 0 {
		logging.Error("records were lost", logging.F("records", lost))
		os.Exit(1)
	}
	logging.Info("logship stopped")
}

// buildShipper creates one stream per configured destination, each with its
// own Prometheus recorder and, when configured, a file checkpoint.
func buildShipper(cfg *config.Config, reg prometheus.Registerer, checker *health.Checker) (*stream.Shipper, error) {
	streams := make([]*stream.Stream, 0, len(cfg.Streams))
	for _, sc := range cfg.Streams {
		rec, err := metrics.NewPrometheus(reg, sc.Name)
		if err != nil {
			return nil, err
		}

		var (
			sink       checkpoint.Sink = checkpoint.Nop{}
			startAfter uint64
		)
		if cfg.CheckpointDir != "" {
			fs, err := checkpoint.NewFileSink(filepath.Join(cfg.CheckpointDir, sc.Name+".checkpoint"))
			if err != nil {
				return nil, fmt.Errorf("stream %s: %w", sc.Name, err)
			}
			sink = fs
			startAfter = fs.Last()
			checker.RegisterReadiness("checkpoint:"+sc.Name, fs.Err)
			if startAfter > 0 {
				logging.Info("resuming after checkpoint", logging.F("stream", sc.Name, "sequence", startAfter))
			}
		}

		streamCfg, err := sc.StreamConfig(startAfter, cfg.StatsInterval)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", sc.Name, err)
		}
		s, err := stream.New(streamCfg, stream.Deps{Sink: sink, Recorder: rec})
		if err != nil {
			return nil, err
		}
		checker.RegisterStream(sc.Name, s, cfg.ReadyOpenWindow)
		streams = append(streams, s)
	}
	return stream.NewShipper(streams...)
}

func setMemoryLimit(ratio float64) {
	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithProvider(memlimit.FromCgroup),
	)
	switch {
	case errors.Is(err, memlimit.ErrNoLimit):
		logging.Debug("no memory limit detected, GOMEMLIMIT unchanged")
	case err != nil:
		logging.Warn("failed to set GOMEMLIMIT", logging.F("error", err.Error()))
	case limit > 0:
		logging.Info("GOMEMLIMIT set", logging.F("bytes", limit, "ratio", ratio))
	}
}
