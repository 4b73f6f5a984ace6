package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/szibis/logship/internal/compression"
	"github.com/szibis/logship/internal/encoding"
	"github.com/szibis/logship/internal/ingress"
	tlspkg "github.com/szibis/logship/internal/tls"
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		errs = append(errs, fmt.Sprintf("memory-limit-ratio must be between 0.0 and 1.0, got %g", c.MemoryLimitRatio))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown-timeout must be > 0")
	}
	if c.StatsInterval < 0 {
		errs = append(errs, "stats-interval must be >= 0")
	}
	if c.StatusTLS.Enabled && (c.StatusTLS.CertFile == "" || c.StatusTLS.KeyFile == "") {
		errs = append(errs, "status-tls-cert and status-tls-key are required when status TLS is enabled")
	}
	if c.Telemetry.Endpoint != "" && c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		errs = append(errs, fmt.Sprintf("telemetry-protocol must be grpc or http, got %q", c.Telemetry.Protocol))
	}

	if len(c.Streams) == 0 {
		errs = append(errs, "at least one stream is required")
	}
	seen := make(map[string]bool, len(c.Streams))
	for _, s := range c.Streams {
		if seen[s.Name] {
			errs = append(errs, fmt.Sprintf("duplicate stream name %q", s.Name))
		}
		seen[s.Name] = true
		for _, e := range s.validate() {
			errs = append(errs, fmt.Sprintf("stream %q: %s", s.Name, e))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New("configuration validation failed:\n  - " + strings.Join(errs, "\n  - "))
}

func (s StreamConfig) validate() []string {
	var errs []string

	if s.Name == "" {
		errs = append(errs, "name is required")
	}
	if s.Endpoint == "" {
		errs = append(errs, "endpoint is required")
	} else if err := checkEndpoint(s.Endpoint); err != nil {
		errs = append(errs, err.Error())
	}
	if s.Timeout <= 0 {
		errs = append(errs, "timeout must be > 0")
	}
	if _, err := encoding.ParseFormat(s.Format); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := compression.ParseType(s.Compression); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := ingress.ParseFullPolicy(s.QueueFullPolicy); err != nil {
		errs = append(errs, err.Error())
	}
	if s.QueueCapacityBytes <= 0 {
		errs = append(errs, "queue capacity must be > 0")
	}
	if s.BatchMaxBytes <= 0 {
		errs = append(errs, "batch max bytes must be > 0")
	}
	if s.BatchMaxRecords <= 0 {
		errs = append(errs, "batch max records must be > 0")
	}
	if s.BatchMaxHold <= 0 {
		errs = append(errs, "batch max hold must be > 0")
	}
	if s.BatchMaxBytes > s.QueueCapacityBytes {
		errs = append(errs, fmt.Sprintf("batch max bytes (%s) exceeds queue capacity (%s)",
			FormatByteSize(s.BatchMaxBytes), FormatByteSize(s.QueueCapacityBytes)))
	}
	if s.RetryMaxAttempts < 1 {
		errs = append(errs, "retry max attempts must be >= 1")
	}
	if s.RetryBaseDelay <= 0 || s.RetryMaxDelay <= 0 {
		errs = append(errs, "retry delays must be > 0")
	} else if s.RetryBaseDelay > s.RetryMaxDelay {
		errs = append(errs, "retry base delay must be <= max delay")
	}
	if s.RetryJitter > 1 {
		errs = append(errs, fmt.Sprintf("retry jitter must be <= 1.0, got %g", s.RetryJitter))
	}
	if s.CircuitFailureThreshold > 0 {
		if s.CircuitCooldown <= 0 {
			errs = append(errs, "circuit cooldown must be > 0")
		}
		if s.CircuitMaxCooldown < s.CircuitCooldown {
			errs = append(errs, "circuit max cooldown must be >= cooldown")
		}
		if s.CircuitMultiplier < 1 {
			errs = append(errs, "circuit multiplier must be >= 1.0")
		}
	}
	if s.ShutdownGrace <= 0 {
		errs = append(errs, "shutdown grace must be > 0")
	}
	if s.TLS.MinVersion != "" {
		if _, err := tlspkg.ParseMinVersion(s.TLS.MinVersion); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
		errs = append(errs, "tls cert and key must be set together")
	}
	return errs
}

func checkEndpoint(endpoint string) error {
	raw := endpoint
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return nil
}
