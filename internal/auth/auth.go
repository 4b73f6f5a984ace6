// Package auth adds credentials to outgoing ingestion requests.
package auth

import (
	"net/http"
)

// DefaultAPIKeyHeader carries the API key when no header name is configured.
const DefaultAPIKeyHeader = "X-API-Key"

// ClientConfig holds the credentials sent with every request.
type ClientConfig struct {
	// APIKey is sent in APIKeyHeader.
	APIKey       string
	APIKeyHeader string
	// BearerToken is sent as "Authorization: Bearer <token>".
	BearerToken string
	// BasicAuthUsername and BasicAuthPassword are used when both are set.
	BasicAuthUsername string
	BasicAuthPassword string
	// Headers are custom headers added to every request.
	Headers map[string]string
}

// Enabled reports whether any credential or header is configured.
func (c ClientConfig) Enabled() bool {
	return c.APIKey != "" || c.BearerToken != "" ||
		(c.BasicAuthUsername != "" && c.BasicAuthPassword != "") ||
		len(c.Headers) > 0
}

// HTTPTransport returns an http.RoundTripper that adds authentication headers.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}
	return &authTransport{
		base: base,
		cfg:  cfg,
	}
}

type authTransport struct {
	base http.RoundTripper
	cfg  ClientConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	reqClone := req.Clone(req.Context())

	// Custom headers first so explicit credentials win.
	for k, v := range t.cfg.Headers {
		reqClone.Header.Set(k, v)
	}

	if t.cfg.APIKey != "" {
		reqClone.Header.Set(t.cfg.APIKeyHeader, t.cfg.APIKey)
	}

	if t.cfg.BearerToken != "" {
		reqClone.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	} else if t.cfg.BasicAuthUsername != "" && t.cfg.BasicAuthPassword != "" {
		reqClone.SetBasicAuth(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword)
	}

	return t.base.RoundTrip(reqClone)
}
