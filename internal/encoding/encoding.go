// Package encoding serializes closed batches into request bodies and headers.
package encoding

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/szibis/logship/internal/batch"
	"github.com/szibis/logship/internal/compression"
	"github.com/szibis/logship/internal/metrics"
	"github.com/szibis/logship/internal/record"
)

// Format is a wire body format.
type Format string

const (
	FormatNDJSON Format = "ndjson"
	FormatCBOR   Format = "cbor"
	FormatOTLP   Format = "otlp"
)

// Header names set on every payload.
const (
	HeaderContentType    = "Content-Type"
	HeaderRecordCount    = "X-Record-Count"
	HeaderBatchSequence  = "X-Batch-Sequence"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderContentDigest  = "X-Content-Digest"
)

// ParseFormat parses a format name. Empty selects ndjson.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatNDJSON, "json":
		return FormatNDJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	case FormatOTLP, "protobuf":
		return FormatOTLP, nil
	default:
		return "", fmt.Errorf("unknown encoding format: %q", s)
	}
}

// ContentType returns the Content-Type header value of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCBOR:
		return "application/cbor"
	case FormatOTLP:
		return "application/x-protobuf"
	default:
		return "application/x-ndjson"
	}
}

// Config controls how batches are encoded.
type Config struct {
	Format      Format
	Compression compression.Config
	// StreamID scopes idempotency keys so two streams never share one.
	StreamID string
}

// Payload is an encoded batch ready to send. It is immutable.
type Payload struct {
	Sequence uint64
	Records  int
	// Body is the serialized, possibly compressed, request body.
	Body []byte
	// RawBytes is the body length before compression.
	RawBytes int
	Headers  http.Header
}

// Error reports a record that cannot be encoded. The whole batch fails.
type Error struct {
	Sequence uint64
	// Index of the offending record in the batch, -1 when not record specific.
	Index  int
	Origin string
	Err    error
}

func (e *Error) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("encode batch %d: %v", e.Sequence, e.Err)
	}
	return fmt.Sprintf("encode batch %d: record %d (origin %q): %v", e.Sequence, e.Index, e.Origin, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrInvalidUTF8 is wrapped by Error when a payload is not valid UTF-8 in a
// text format, or an origin or tag is not valid UTF-8 in any format.
var ErrInvalidUTF8 = record.ErrInvalidUTF8

// Encoder turns a closed batch into a payload. Implementations are
// deterministic: the same batch always yields byte-identical bodies.
type Encoder interface {
	Encode(b *batch.Batch) (*Payload, error)
}

type marshalFunc func(records []record.Record) ([]byte, int, error)

// BatchEncoder is the Encoder for the configured format.
type BatchEncoder struct {
	cfg     Config
	marshal marshalFunc
	rec     metrics.Recorder
}

// New creates an encoder.
func New(cfg Config, rec metrics.Recorder) (*BatchEncoder, error) {
	if cfg.Format == "" {
		cfg.Format = FormatNDJSON
	}
	e := &BatchEncoder{cfg: cfg, rec: metrics.OrNop(rec)}
	switch cfg.Format {
	case FormatNDJSON:
		e.marshal = marshalNDJSON
	case FormatCBOR:
		e.marshal = marshalCBOR
	case FormatOTLP:
		e.marshal = marshalOTLP
	default:
		return nil, fmt.Errorf("unknown encoding format: %q", cfg.Format)
	}
	if cfg.Compression.Enabled() && cfg.Compression.Type.ContentEncoding() == "" {
		return nil, fmt.Errorf("unsupported compression type: %q", cfg.Compression.Type)
	}
	return e, nil
}

// Format returns the configured format.
func (e *BatchEncoder) Format() Format {
	return e.cfg.Format
}

// Encode serializes b. It has no side effects besides metrics.
func (e *BatchEncoder) Encode(b *batch.Batch) (*Payload, error) {
	start := time.Now()

	for i, r := range b.Records {
		if err := r.Validate(); err != nil {
			return nil, &Error{Sequence: b.Sequence, Index: i, Origin: r.Origin, Err: err}
		}
	}

	body, bad, err := e.marshal(b.Records)
	if err != nil {
		origin := ""
		if bad >= 0 && bad < len(b.Records) {
			origin = b.Records[bad].Origin
		}
		return nil, &Error{Sequence: b.Sequence, Index: bad, Origin: origin, Err: err}
	}
	raw := len(body)

	headers := make(http.Header, 8)
	if e.cfg.Compression.Enabled() {
		compressed, err := compression.Compress(body, e.cfg.Compression)
		if err != nil {
			return nil, &Error{Sequence: b.Sequence, Index: -1, Err: fmt.Errorf("compress: %w", err)}
		}
		body = compressed
		headers.Set("Content-Encoding", e.cfg.Compression.Type.ContentEncoding())
	}

	headers.Set(HeaderContentType, e.cfg.Format.ContentType())
	headers.Set(HeaderRecordCount, strconv.Itoa(len(b.Records)))
	headers.Set(HeaderBatchSequence, strconv.FormatUint(b.Sequence, 10))
	headers.Set(HeaderIdempotencyKey, IdempotencyKey(e.cfg.StreamID, b.Sequence))
	headers.Set(HeaderContentDigest, Digest(body))

	e.rec.Observe(metrics.EncodeDuration, time.Since(start).Seconds())
	e.rec.AddCounter(metrics.EncodedBytes, float64(len(body)))

	return &Payload{
		Sequence: b.Sequence,
		Records:  len(b.Records),
		Body:     body,
		RawBytes: raw,
		Headers:  headers,
	}, nil
}
