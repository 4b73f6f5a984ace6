// Package exporter delivers encoded batches to the ingestion endpoint over
// HTTP(S) and classifies every attempt.
package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/szibis/logship/internal/auth"
	"github.com/szibis/logship/internal/encoding"
	"github.com/szibis/logship/internal/metrics"
	tlspkg "github.com/szibis/logship/internal/tls"
)

// DefaultTimeout is the per-attempt timeout when none is configured.
const DefaultTimeout = 30 * time.Second

// maxMessageBytes bounds how much of an error response body is kept.
const maxMessageBytes = 64 << 10

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConnsPerHost controls idle keep-alive connections per host.
	// Zero selects 4: one stream never needs more.
	MaxIdleConnsPerHost int
	// IdleConnTimeout closes idle connections. Zero selects 90s.
	IdleConnTimeout time.Duration
	// DisableKeepAlives opens a new connection for every request.
	DisableKeepAlives bool
	// ForceAttemptHTTP2 enables HTTP/2 for plain-text endpoints too.
	ForceAttemptHTTP2 bool
	// HTTP2ReadIdleTimeout triggers a ping health check when no frame is
	// received for this long.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout closes the connection when the ping is not answered.
	HTTP2PingTimeout time.Duration
}

// Config holds the exporter configuration.
type Config struct {
	// Endpoint is the ingestion URL. A missing scheme defaults to https.
	Endpoint string
	// APIKey is sent in APIKeyHeader on every request.
	APIKey       string
	APIKeyHeader string
	// Timeout bounds each attempt.
	Timeout    time.Duration
	TLS        tlspkg.ClientConfig
	Auth       auth.ClientConfig
	HTTPClient HTTPClientConfig
	// Transport replaces the pooled transport (tests, custom dialers).
	// TLS and HTTPClient settings are ignored when set.
	Transport http.RoundTripper
	// UserAgent overrides the default User-Agent.
	UserAgent string
}

// Deliverer sends one encoded payload per call.
type Deliverer interface {
	Deliver(ctx context.Context, p *encoding.Payload) Result
}

// HTTPExporter is a Deliverer over a pooled HTTP transport. It allows one
// request in flight at a time.
type HTTPExporter struct {
	endpoint   string
	timeout    time.Duration
	userAgent  string
	httpClient *http.Client
	inFlight   *ConcurrencyLimiter
	rec        metrics.Recorder
	now        func() time.Time
}

// New creates an HTTPExporter.
func New(cfg Config, rec metrics.Recorder) (*HTTPExporter, error) {
	endpoint, err := normalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	roundTripper := cfg.Transport
	if roundTripper == nil {
		transport, err := newTransport(cfg)
		if err != nil {
			return nil, err
		}
		roundTripper = transport
	}

	authCfg := cfg.Auth
	if cfg.APIKey != "" {
		authCfg.APIKey = cfg.APIKey
	}
	if cfg.APIKeyHeader != "" {
		authCfg.APIKeyHeader = cfg.APIKeyHeader
	}
	if authCfg.Enabled() {
		roundTripper = auth.HTTPTransport(authCfg, roundTripper)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "logship"
	}

	return &HTTPExporter{
		endpoint:  endpoint,
		timeout:   timeout,
		userAgent: userAgent,
		// Deadlines come from the per-attempt context.
		httpClient: &http.Client{Transport: roundTripper},
		inFlight:   NewConcurrencyLimiter(1),
		rec:        metrics.OrNop(rec),
		now:        time.Now,
	}, nil
}

func newTransport(cfg Config) (*http.Transport, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		DisableKeepAlives:     cfg.HTTPClient.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConns = 4
		transport.MaxIdleConnsPerHost = 4
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	} else {
		transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
	}
	if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
		h2.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
	}
	if cfg.HTTPClient.HTTP2PingTimeout > 0 {
		h2.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
	}
	return transport, nil
}

func normalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("exporter: endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "://") {
			return "", fmt.Errorf("exporter: unsupported endpoint scheme: %q", endpoint)
		}
		endpoint = "https://" + endpoint
	}
	return endpoint, nil
}

// Endpoint returns the resolved ingestion URL.
func (e *HTTPExporter) Endpoint() string {
	return e.endpoint
}

// Deliver performs a single attempt. It never retries.
func (e *HTTPExporter) Deliver(ctx context.Context, p *encoding.Payload) Result {
	if !e.inFlight.TryAcquire() {
		return failure(&DeliveryError{Kind: ErrorKindInternal, Err: ErrInFlight}, 0)
	}
	defer e.inFlight.Release()

	start := e.now()
	res := e.do(ctx, p)
	res.Latency = e.now().Sub(start)

	e.rec.Observe(metrics.DeliveryLatency, res.Latency.Seconds(), res.Outcome.String())
	if res.Outcome == Success {
		e.rec.AddCounter(metrics.DeliveredBytes, float64(len(p.Body)))
	}
	return res
}

func (e *HTTPExporter) do(parent context.Context, p *encoding.Payload) Result {
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(p.Body))
	if err != nil {
		return failure(&DeliveryError{Kind: ErrorKindInternal, Err: fmt.Errorf("failed to create request: %w", err)}, 0)
	}
	for k, vs := range p.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		kind := classifyError(err)
		// The caller giving up is a cancellation, not a slow server.
		if parent.Err() != nil {
			kind = ErrorKindCanceled
		}
		return failure(&DeliveryError{Kind: kind, Err: err}, 0)
	}
	defer resp.Body.Close()

	kind := classifyHTTPStatusCode(resp.StatusCode)
	if kind == ErrorKindNone {
		// Drain to allow connection reuse.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMessageBytes))
		return Result{Outcome: Success, StatusCode: resp.StatusCode}
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxMessageBytes))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMessageBytes))

	de := &DeliveryError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
	}
	if kind == ErrorKindRateLimit || kind == ErrorKindServerError {
		de.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), e.now())
	}
	return failure(de, 0)
}

// Close releases idle connections.
func (e *HTTPExporter) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
