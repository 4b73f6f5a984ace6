package config

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Load resolves the configuration in order: defaults, the YAML file named by
// -config, then every flag given in args. Flags configure the first stream.
// Parse errors and usage go to out.
func Load(args []string, out io.Writer) (*Config, error) {
	probe := DefaultConfig()
	fs := newFlagSet(probe, out)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if probe.ShowHelp || probe.ShowVersion {
		return probe, nil
	}

	cfg := DefaultConfig()
	if probe.ConfigFile != "" {
		y, err := LoadYAML(probe.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", probe.ConfigFile, err)
		}
		y.ApplyTo(cfg)
	}

	// Flags are registered with the current values as defaults, so only the
	// ones present in args change cfg.
	if err := newFlagSet(cfg, io.Discard).Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PrintUsage writes the flag reference to w.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, `logship - batched, retried log delivery to an HTTP ingestion endpoint

USAGE:
    logship [OPTIONS]

Reads lines from -input, ships them to -endpoint and exposes /metrics,
/live and /ready on -status-listen. Multiple streams need a YAML file
(-config); flags then override the first stream.

OPTIONS:
`)
	fs := newFlagSet(DefaultConfig(), w)
	fs.PrintDefaults()
}

// PrintVersion prints the version.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "logship version %s\n", version)
}

func newFlagSet(cfg *Config, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("logship", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { PrintUsage(out) }

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Path to YAML configuration file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.Input, "input", cfg.Input, `Line source: "-" for stdin or a file path`)
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "Origin recorded on every line (default: the input path)")
	fs.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, "Directory for per-stream checkpoint files (empty disables persistence)")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "Interval of the stream stats log line (0 disables)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Upper bound of the shutdown sequence")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Ratio of the container memory limit used for GOMEMLIMIT (0 disables)")

	// Status listener
	fs.StringVar(&cfg.StatusListen, "status-listen", cfg.StatusListen, "Listen address for /metrics, /live and /ready (empty disables)")
	fs.DurationVar(&cfg.ReadyOpenWindow, "ready-open-window", cfg.ReadyOpenWindow, "How long a circuit may stay open before /ready fails")
	fs.BoolVar(&cfg.StatusTLS.Enabled, "status-tls-enabled", cfg.StatusTLS.Enabled, "Serve the status listener over TLS")
	fs.StringVar(&cfg.StatusTLS.CertFile, "status-tls-cert", cfg.StatusTLS.CertFile, "Status listener certificate file")
	fs.StringVar(&cfg.StatusTLS.KeyFile, "status-tls-key", cfg.StatusTLS.KeyFile, "Status listener private key file")
	fs.StringVar(&cfg.StatusTLS.CAFile, "status-tls-ca", cfg.StatusTLS.CAFile, "CA for client certificate verification")
	fs.BoolVar(&cfg.StatusTLS.ClientAuth, "status-tls-client-auth", cfg.StatusTLS.ClientAuth, "Require client certificates (mTLS)")

	// Self telemetry
	fs.StringVar(&cfg.Telemetry.Endpoint, "telemetry-endpoint", cfg.Telemetry.Endpoint, "OTLP endpoint for self telemetry (empty disables)")
	fs.StringVar(&cfg.Telemetry.Protocol, "telemetry-protocol", cfg.Telemetry.Protocol, "Self telemetry protocol: grpc or http")
	fs.BoolVar(&cfg.Telemetry.Insecure, "telemetry-insecure", cfg.Telemetry.Insecure, "Use a plain-text connection for self telemetry")
	fs.DurationVar(&cfg.Telemetry.PushInterval, "telemetry-push-interval", cfg.Telemetry.PushInterval, "Self telemetry metric push interval")

	// First stream
	s := &cfg.Streams[0]
	fs.StringVar(&s.Name, "stream-name", s.Name, "Stream name used in logs, metrics and idempotency keys")
	fs.StringVar(&s.Endpoint, "endpoint", s.Endpoint, "Ingestion endpoint URL (https is assumed without a scheme)")
	fs.DurationVar(&s.Timeout, "timeout", s.Timeout, "Per-attempt request timeout")
	fs.StringVar(&s.Format, "format", s.Format, "Body format: ndjson, cbor or otlp")
	fs.StringVar(&s.Compression, "compression", s.Compression, "Body compression: none, gzip, zstd, snappy, zlib, deflate, lz4")
	fs.IntVar(&s.CompressionLevel, "compression-level", s.CompressionLevel, "Compression level (0 = library default)")
	fs.StringVar(&s.UserAgent, "user-agent", s.UserAgent, "User-Agent header override")

	fs.Var((*ByteSize)(&s.QueueCapacityBytes), "queue-capacity", "Ingress queue capacity (e.g. 64Mi)")
	fs.StringVar(&s.QueueFullPolicy, "queue-full-policy", s.QueueFullPolicy, "Behavior when the queue is full: block or reject")
	fs.DurationVar(&s.QueueBlockTimeout, "queue-block-timeout", s.QueueBlockTimeout, "Upper bound of a blocked enqueue (0 waits)")

	fs.Var((*ByteSize)(&s.BatchMaxBytes), "batch-max-bytes", "Batch byte limit (e.g. 1Mi)")
	fs.IntVar(&s.BatchMaxRecords, "batch-max-records", s.BatchMaxRecords, "Batch record limit")
	fs.DurationVar(&s.BatchMaxHold, "batch-max-hold", s.BatchMaxHold, "Longest time a batch stays open")

	fs.IntVar(&s.RetryMaxAttempts, "retry-max-attempts", s.RetryMaxAttempts, "Attempts per batch, first included")
	fs.DurationVar(&s.RetryBaseDelay, "retry-base-delay", s.RetryBaseDelay, "Backoff base delay")
	fs.DurationVar(&s.RetryMaxDelay, "retry-max-delay", s.RetryMaxDelay, "Backoff cap")
	fs.Float64Var(&s.RetryJitter, "retry-jitter", s.RetryJitter, "Backoff jitter fraction (0.5 = ±50%, negative disables)")

	fs.IntVar(&s.CircuitFailureThreshold, "circuit-failure-threshold", s.CircuitFailureThreshold, "Consecutive failures that open the circuit (negative disables)")
	fs.DurationVar(&s.CircuitCooldown, "circuit-cooldown", s.CircuitCooldown, "First open period of the circuit")
	fs.DurationVar(&s.CircuitMaxCooldown, "circuit-max-cooldown", s.CircuitMaxCooldown, "Cap of the growing open period")

	fs.DurationVar(&s.ShutdownGrace, "shutdown-grace", s.ShutdownGrace, "How long pending batches keep delivering after shutdown starts")

	fs.BoolVar(&s.TLS.Enabled, "tls-enabled", s.TLS.Enabled, "Use the TLS settings below for the endpoint")
	fs.StringVar(&s.TLS.CAFile, "tls-ca", s.TLS.CAFile, "CA file for endpoint verification")
	fs.StringVar(&s.TLS.CertFile, "tls-cert", s.TLS.CertFile, "Client certificate file (mTLS)")
	fs.StringVar(&s.TLS.KeyFile, "tls-key", s.TLS.KeyFile, "Client private key file (mTLS)")
	fs.BoolVar(&s.TLS.InsecureSkipVerify, "tls-insecure-skip-verify", s.TLS.InsecureSkipVerify, "Skip endpoint certificate verification")
	fs.StringVar(&s.TLS.ServerName, "tls-server-name", s.TLS.ServerName, "Server name override for verification")

	fs.StringVar(&s.Auth.APIKey, "api-key", s.Auth.APIKey, "API key sent on every request")
	fs.StringVar(&s.Auth.APIKeyHeader, "api-key-header", s.Auth.APIKeyHeader, "Header carrying the API key (default X-API-Key)")
	fs.StringVar(&s.Auth.BearerToken, "bearer-token", s.Auth.BearerToken, "Bearer token sent on every request")
	fs.Var((*headerFlag)(&s.Auth.Headers), "header", "Extra request header as name=value (repeatable)")

	fs.BoolVar(&cfg.ShowHelp, "help", cfg.ShowHelp, "Show help")
	fs.BoolVar(&cfg.ShowHelp, "h", cfg.ShowHelp, "Show help (shorthand)")
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Show version")
	fs.BoolVar(&cfg.ShowVersion, "v", cfg.ShowVersion, "Show version (shorthand)")
	return fs
}

// headerFlag collects repeated name=value flags into a map.
type headerFlag map[string]string

func (h *headerFlag) String() string {
	if h == nil || len(*h) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(*h))
	for k, v := range *h {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (h *headerFlag) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("header must be name=value, got %q", s)
	}
	if *h == nil {
		*h = make(map[string]string)
	}
	(*h)[name] = strings.TrimSpace(value)
	return nil
}
