// Package config resolves the logship configuration from defaults, an
// optional YAML file and command-line flags.
package config

import (
	"fmt"
	"time"

	"github.com/szibis/logship/internal/auth"
	"github.com/szibis/logship/internal/batch"
	"github.com/szibis/logship/internal/circuit"
	"github.com/szibis/logship/internal/compression"
	"github.com/szibis/logship/internal/encoding"
	"github.com/szibis/logship/internal/exporter"
	"github.com/szibis/logship/internal/ingress"
	"github.com/szibis/logship/internal/retry"
	"github.com/szibis/logship/internal/stream"
	"github.com/szibis/logship/internal/telemetry"
	tlspkg "github.com/szibis/logship/internal/tls"
)

var version = "dev"

// GetVersion returns the build version.
func GetVersion() string {
	return version
}

// Config holds the process configuration.
type Config struct {
	ConfigFile string
	LogLevel   string

	// Input is the line source of the reference binary: "-" for stdin or a
	// file path.
	Input string
	// Origin labels records read from Input. Empty uses the input path.
	Origin string
	// CheckpointDir holds one checkpoint file per stream. Empty disables
	// persistence.
	CheckpointDir string

	// StatusListen serves /metrics, /live and /ready. Empty disables it.
	StatusListen string
	StatusTLS    tlspkg.ServerConfig
	// ReadyOpenWindow is how long a stream's circuit may stay open before
	// /ready reports the stream down.
	ReadyOpenWindow time.Duration

	MemoryLimitRatio float64
	StatsInterval    time.Duration
	// ShutdownTimeout bounds the whole shutdown sequence after a signal.
	ShutdownTimeout time.Duration

	Telemetry telemetry.Config

	Streams []StreamConfig

	ShowHelp    bool
	ShowVersion bool
}

// StreamConfig configures one destination stream.
type StreamConfig struct {
	Name     string
	Endpoint string
	Timeout  time.Duration
	Format   string

	Compression      string
	CompressionLevel int

	QueueCapacityBytes int64
	QueueFullPolicy    string
	QueueBlockTimeout  time.Duration

	BatchMaxBytes   int64
	BatchMaxRecords int
	BatchMaxHold    time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64

	CircuitFailureThreshold int
	CircuitCooldown         time.Duration
	CircuitMaxCooldown      time.Duration
	CircuitMultiplier       float64

	ShutdownGrace time.Duration
	PipelineDepth int

	TLS        tlspkg.ClientConfig
	Auth       auth.ClientConfig
	HTTPClient exporter.HTTPClientConfig
	UserAgent  string
}

// DefaultConfig returns the default configuration with one stream.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:         "info",
		Input:            "-",
		StatusListen:     ":9464",
		ReadyOpenWindow:  time.Minute,
		MemoryLimitRatio: 0.9,
		StatsInterval:    time.Minute,
		ShutdownTimeout:  30 * time.Second,
		Telemetry: telemetry.Config{
			Protocol:     "grpc",
			Insecure:     true,
			PushInterval: 30 * time.Second,
			RetryEnabled: true,
		},
		Streams: []StreamConfig{DefaultStreamConfig()},
	}
}

// DefaultStreamConfig returns the defaults applied to every stream.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:                    "default",
		Timeout:                 exporter.DefaultTimeout,
		Format:                  string(encoding.FormatNDJSON),
		Compression:             string(compression.TypeNone),
		QueueCapacityBytes:      ingress.DefaultCapacityBytes,
		QueueFullPolicy:         string(ingress.Block),
		BatchMaxBytes:           batch.DefaultMaxBytes,
		BatchMaxRecords:         batch.DefaultMaxRecords,
		BatchMaxHold:            batch.DefaultMaxHold,
		RetryMaxAttempts:        retry.DefaultMaxAttempts,
		RetryBaseDelay:          retry.DefaultBaseDelay,
		RetryMaxDelay:           retry.DefaultMaxDelay,
		RetryJitter:             retry.DefaultJitter,
		CircuitFailureThreshold: circuit.DefaultFailureThreshold,
		CircuitCooldown:         circuit.DefaultCooldown,
		CircuitMaxCooldown:      circuit.DefaultMaxCooldown,
		CircuitMultiplier:       circuit.DefaultMultiplier,
		ShutdownGrace:           stream.DefaultShutdownGrace,
		PipelineDepth:           1,
	}
}

// StreamConfig converts s to the pipeline configuration. startAfter is the
// last checkpointed sequence.
func (s StreamConfig) StreamConfig(startAfter uint64, statsInterval time.Duration) (stream.Config, error) {
	format, err := encoding.ParseFormat(s.Format)
	if err != nil {
		return stream.Config{}, err
	}
	ctype, err := compression.ParseType(s.Compression)
	if err != nil {
		return stream.Config{}, err
	}
	policy, err := ingress.ParseFullPolicy(s.QueueFullPolicy)
	if err != nil {
		return stream.Config{}, err
	}

	return stream.Config{
		Name: s.Name,
		Ingress: ingress.Config{
			CapacityBytes: s.QueueCapacityBytes,
			FullPolicy:    policy,
			BlockTimeout:  s.QueueBlockTimeout,
		},
		Batch: batch.Config{
			MaxBytes:   int(s.BatchMaxBytes),
			MaxRecords: s.BatchMaxRecords,
			MaxHold:    s.BatchMaxHold,
			StartAfter: startAfter,
		},
		Encoding: encoding.Config{
			Format:      format,
			Compression: compression.Config{Type: ctype, Level: compression.Level(s.CompressionLevel)},
			StreamID:    s.Name,
		},
		Exporter: exporter.Config{
			Endpoint:   s.Endpoint,
			Timeout:    s.Timeout,
			TLS:        s.TLS,
			Auth:       s.Auth,
			HTTPClient: s.HTTPClient,
			UserAgent:  s.UserAgent,
		},
		Retry: retry.Config{
			MaxAttempts: s.RetryMaxAttempts,
			BaseDelay:   s.RetryBaseDelay,
			MaxDelay:    s.RetryMaxDelay,
			Jitter:      s.RetryJitter,
		},
		Circuit: circuit.Config{
			FailureThreshold: s.CircuitFailureThreshold,
			Cooldown:         s.CircuitCooldown,
			MaxCooldown:      s.CircuitMaxCooldown,
			Multiplier:       s.CircuitMultiplier,
		},
		ShutdownGrace: s.ShutdownGrace,
		PipelineDepth: s.PipelineDepth,
		StatsInterval: statsInterval,
	}, nil
}

// Stream returns the named stream configuration.
func (c *Config) Stream(name string) (StreamConfig, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return StreamConfig{}, false
}

// String returns a one-line summary for the startup log.
func (c *Config) String() string {
	return fmt.Sprintf("streams=%d input=%s status=%s", len(c.Streams), c.Input, c.StatusListen)
}
