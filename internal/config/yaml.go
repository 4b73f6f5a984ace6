package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szibis/logship/internal/auth"
	"github.com/szibis/logship/internal/exporter"
	tlspkg "github.com/szibis/logship/internal/tls"
)

// YAMLConfig is the configuration file layout.
type YAMLConfig struct {
	LogLevel        string              `yaml:"log_level"`
	Input           string              `yaml:"input"`
	Origin          string              `yaml:"origin"`
	CheckpointDir   string              `yaml:"checkpoint_dir"`
	StatsInterval   Duration            `yaml:"stats_interval"`
	ShutdownTimeout Duration            `yaml:"shutdown_timeout"`
	Status          StatusYAMLConfig    `yaml:"status"`
	Memory          MemoryYAMLConfig    `yaml:"memory"`
	Telemetry       TelemetryYAMLConfig `yaml:"telemetry"`
	Streams         []StreamYAMLConfig  `yaml:"streams"`
}

// StatusYAMLConfig holds the status listener settings.
type StatusYAMLConfig struct {
	Listen          string              `yaml:"listen"`
	ReadyOpenWindow Duration            `yaml:"ready_open_window"`
	TLS             TLSServerYAMLConfig `yaml:"tls"`
}

// MemoryYAMLConfig holds memory limit configuration.
type MemoryYAMLConfig struct {
	// LimitRatio is the ratio of container memory to use for GOMEMLIMIT (0.0-1.0)
	LimitRatio float64 `yaml:"limit_ratio"`
}

// TelemetryYAMLConfig holds OTLP self-monitoring telemetry configuration.
type TelemetryYAMLConfig struct {
	Endpoint        string                   `yaml:"endpoint"`         // OTLP endpoint (empty = disabled)
	Protocol        string                   `yaml:"protocol"`         // "grpc" or "http" (default: "grpc")
	Insecure        *bool                    `yaml:"insecure"`         // Use insecure connection (default: true)
	Timeout         Duration                 `yaml:"timeout"`          // Per-export timeout (0 = SDK default 10s)
	PushInterval    Duration                 `yaml:"push_interval"`    // Metric push interval (default: 30s)
	Compression     string                   `yaml:"compression"`      // "gzip" or ""
	ShutdownTimeout Duration                 `yaml:"shutdown_timeout"` // Shutdown grace period (default: 5s)
	Headers         map[string]string        `yaml:"headers"`
	Retry           TelemetryRetryYAMLConfig `yaml:"retry"`
}

// TelemetryRetryYAMLConfig holds telemetry retry configuration.
type TelemetryRetryYAMLConfig struct {
	Enabled     *bool    `yaml:"enabled"`
	Initial     Duration `yaml:"initial"`
	MaxInterval Duration `yaml:"max_interval"`
	MaxElapsed  Duration `yaml:"max_elapsed"`
}

// StreamYAMLConfig configures one stream. Unset fields take the defaults of
// DefaultStreamConfig.
type StreamYAMLConfig struct {
	Name          string                `yaml:"name"`
	Endpoint      string                `yaml:"endpoint"`
	Timeout       Duration              `yaml:"timeout"`
	Format        string                `yaml:"format"`
	UserAgent     string                `yaml:"user_agent"`
	ShutdownGrace Duration              `yaml:"shutdown_grace"`
	PipelineDepth int                   `yaml:"pipeline_depth"`
	Compression   CompressionYAMLConfig `yaml:"compression"`
	Queue         QueueYAMLConfig       `yaml:"queue"`
	Batch         BatchYAMLConfig       `yaml:"batch"`
	Retry         RetryYAMLConfig       `yaml:"retry"`
	Circuit       CircuitYAMLConfig     `yaml:"circuit_breaker"`
	TLS           TLSClientYAMLConfig   `yaml:"tls"`
	Auth          AuthClientYAMLConfig  `yaml:"auth"`
	HTTPClient    HTTPClientYAMLConfig  `yaml:"http_client"`
}

// CompressionYAMLConfig holds body compression settings.
type CompressionYAMLConfig struct {
	Type  string `yaml:"type"`
	Level int    `yaml:"level"`
}

// QueueYAMLConfig holds ingress queue settings.
type QueueYAMLConfig struct {
	Capacity     ByteSize `yaml:"capacity"`
	FullPolicy   string   `yaml:"full_policy"`
	BlockTimeout Duration `yaml:"block_timeout"`
}

// BatchYAMLConfig holds batch close limits.
type BatchYAMLConfig struct {
	MaxBytes   ByteSize `yaml:"max_bytes"`
	MaxRecords int      `yaml:"max_records"`
	MaxHold    Duration `yaml:"max_hold"`
}

// RetryYAMLConfig holds retry and backoff settings.
type RetryYAMLConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      *float64 `yaml:"jitter"`
}

// CircuitYAMLConfig holds circuit breaker settings.
type CircuitYAMLConfig struct {
	FailureThreshold *int     `yaml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
	MaxCooldown      Duration `yaml:"max_cooldown"`
	Multiplier       float64  `yaml:"multiplier"`
}

// TLSServerYAMLConfig holds TLS server configuration.
type TLSServerYAMLConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ClientAuth bool   `yaml:"client_auth"`
}

// TLSClientYAMLConfig holds TLS client configuration.
type TLSClientYAMLConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
	MinVersion         string `yaml:"min_version"`
}

// AuthClientYAMLConfig holds request authentication settings.
type AuthClientYAMLConfig struct {
	APIKey        string            `yaml:"api_key"`
	APIKeyHeader  string            `yaml:"api_key_header"`
	BearerToken   string            `yaml:"bearer_token"`
	BasicUsername string            `yaml:"basic_username"`
	BasicPassword string            `yaml:"basic_password"`
	Headers       map[string]string `yaml:"headers"`
}

// HTTPClientYAMLConfig holds HTTP client connection pool settings.
type HTTPClientYAMLConfig struct {
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	DisableKeepAlives    bool     `yaml:"disable_keep_alives"`
	ForceHTTP2           bool     `yaml:"force_http2"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values
// and flag values. Accepted formats: raw integer (bytes), or suffixed: Ki,
// Mi, Gi, Ti.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return b.Set(s)
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

// Set implements flag.Value.
func (b *ByteSize) Set(s string) error {
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// String implements flag.Value.
func (b *ByteSize) String() string {
	if b == nil {
		return "0"
	}
	return FormatByteSize(int64(*b))
}

// ParseByteSize parses a human-readable byte size string.
// Accepted suffixes: Ki (1024), Mi (1048576), Gi (1073741824), Ti (1099511627776).
// Plain integers are treated as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	suffixes := []struct {
		name string
		mult int64
	}{
		{"Ti", 1 << 40},
		{"Gi", 1 << 30},
		{"Mi", 1 << 20},
		{"Ki", 1 << 10},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			// Support float values like "1.5Mi"
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	// Reject strings with trailing characters such as "256MB".
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats bytes as a human-readable string with binary suffix.
func FormatByteSize(b int64) string {
	switch {
	case b >= 1<<40 && b%(1<<40) == 0:
		return fmt.Sprintf("%dTi", b>>40)
	case b >= 1<<30 && b%(1<<30) == 0:
		return fmt.Sprintf("%dGi", b>>30)
	case b >= 1<<20 && b%(1<<20) == 0:
		return fmt.Sprintf("%dMi", b>>20)
	case b >= 1<<10 && b%(1<<10) == 0:
		return fmt.Sprintf("%dKi", b>>10)
	}
	return fmt.Sprintf("%d", b)
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Unknown keys are errors.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyTo overlays the values set in y onto cfg. Zero values keep what cfg
// already holds. A non-empty streams list replaces cfg.Streams; each entry
// starts from DefaultStreamConfig.
func (y *YAMLConfig) ApplyTo(cfg *Config) {
	setString(&cfg.LogLevel, y.LogLevel)
	setString(&cfg.Input, y.Input)
	setString(&cfg.Origin, y.Origin)
	setString(&cfg.CheckpointDir, y.CheckpointDir)
	setDuration(&cfg.StatsInterval, y.StatsInterval)
	setDuration(&cfg.ShutdownTimeout, y.ShutdownTimeout)

	setString(&cfg.StatusListen, y.Status.Listen)
	setDuration(&cfg.ReadyOpenWindow, y.Status.ReadyOpenWindow)
	if y.Status.TLS.Enabled {
		cfg.StatusTLS = tlspkg.ServerConfig{
			Enabled:    true,
			CertFile:   y.Status.TLS.CertFile,
			KeyFile:    y.Status.TLS.KeyFile,
			CAFile:     y.Status.TLS.CAFile,
			ClientAuth: y.Status.TLS.ClientAuth,
		}
	}
	if y.Memory.LimitRatio != 0 {
		cfg.MemoryLimitRatio = y.Memory.LimitRatio
	}

	t := &cfg.Telemetry
	setString(&t.Endpoint, y.Telemetry.Endpoint)
	setString(&t.Protocol, y.Telemetry.Protocol)
	if y.Telemetry.Insecure != nil {
		t.Insecure = *y.Telemetry.Insecure
	}
	setDuration(&t.Timeout, y.Telemetry.Timeout)
	setDuration(&t.PushInterval, y.Telemetry.PushInterval)
	setString(&t.Compression, y.Telemetry.Compression)
	setDuration(&t.ShutdownTimeout, y.Telemetry.ShutdownTimeout)
	if len(y.Telemetry.Headers) > 0 {
		t.Headers = y.Telemetry.Headers
	}
	if y.Telemetry.Retry.Enabled != nil {
		t.RetryEnabled = *y.Telemetry.Retry.Enabled
	}
	setDuration(&t.RetryInitial, y.Telemetry.Retry.Initial)
	setDuration(&t.RetryMaxInterval, y.Telemetry.Retry.MaxInterval)
	setDuration(&t.RetryMaxElapsed, y.Telemetry.Retry.MaxElapsed)

	if len(y.Streams) > 0 {
		cfg.Streams = make([]StreamConfig, 0, len(y.Streams))
		for _, sy := range y.Streams {
			cfg.Streams = append(cfg.Streams, sy.toStreamConfig())
		}
	}
}

func (sy StreamYAMLConfig) toStreamConfig() StreamConfig {
	s := DefaultStreamConfig()
	setString(&s.Name, sy.Name)
	setString(&s.Endpoint, sy.Endpoint)
	setDuration(&s.Timeout, sy.Timeout)
	setString(&s.Format, sy.Format)
	setString(&s.UserAgent, sy.UserAgent)
	setDuration(&s.ShutdownGrace, sy.ShutdownGrace)
	if sy.PipelineDepth != 0 {
		s.PipelineDepth = sy.PipelineDepth
	}

	setString(&s.Compression, sy.Compression.Type)
	s.CompressionLevel = sy.Compression.Level

	if sy.Queue.Capacity != 0 {
		s.QueueCapacityBytes = int64(sy.Queue.Capacity)
	}
	setString(&s.QueueFullPolicy, sy.Queue.FullPolicy)
	setDuration(&s.QueueBlockTimeout, sy.Queue.BlockTimeout)

	if sy.Batch.MaxBytes != 0 {
		s.BatchMaxBytes = int64(sy.Batch.MaxBytes)
	}
	if sy.Batch.MaxRecords != 0 {
		s.BatchMaxRecords = sy.Batch.MaxRecords
	}
	setDuration(&s.BatchMaxHold, sy.Batch.MaxHold)

	if sy.Retry.MaxAttempts != 0 {
		s.RetryMaxAttempts = sy.Retry.MaxAttempts
	}
	setDuration(&s.RetryBaseDelay, sy.Retry.BaseDelay)
	setDuration(&s.RetryMaxDelay, sy.Retry.MaxDelay)
	if sy.Retry.Jitter != nil {
		s.RetryJitter = *sy.Retry.Jitter
	}

	if sy.Circuit.FailureThreshold != nil {
		s.CircuitFailureThreshold = *sy.Circuit.FailureThreshold
	}
	setDuration(&s.CircuitCooldown, sy.Circuit.Cooldown)
	setDuration(&s.CircuitMaxCooldown, sy.Circuit.MaxCooldown)
	if sy.Circuit.Multiplier != 0 {
		s.CircuitMultiplier = sy.Circuit.Multiplier
	}

	s.TLS = tlspkg.ClientConfig{
		Enabled:            sy.TLS.Enabled,
		CertFile:           sy.TLS.CertFile,
		KeyFile:            sy.TLS.KeyFile,
		CAFile:             sy.TLS.CAFile,
		InsecureSkipVerify: sy.TLS.InsecureSkipVerify,
		ServerName:         sy.TLS.ServerName,
		MinVersion:         sy.TLS.MinVersion,
	}
	s.Auth = auth.ClientConfig{
		APIKey:            sy.Auth.APIKey,
		APIKeyHeader:      sy.Auth.APIKeyHeader,
		BearerToken:       sy.Auth.BearerToken,
		BasicAuthUsername: sy.Auth.BasicUsername,
		BasicAuthPassword: sy.Auth.BasicPassword,
		Headers:           sy.Auth.Headers,
	}
	s.HTTPClient = exporter.HTTPClientConfig{
		MaxIdleConnsPerHost:  sy.HTTPClient.MaxIdleConnsPerHost,
		IdleConnTimeout:      time.Duration(sy.HTTPClient.IdleConnTimeout),
		DisableKeepAlives:    sy.HTTPClient.DisableKeepAlives,
		ForceAttemptHTTP2:    sy.HTTPClient.ForceHTTP2,
		HTTP2ReadIdleTimeout: time.Duration(sy.HTTPClient.HTTP2ReadIdleTimeout),
		HTTP2PingTimeout:     time.Duration(sy.HTTPClient.HTTP2PingTimeout),
	}
	return s
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
