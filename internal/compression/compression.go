// Package compression provides request body compression for the ingestion endpoint.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type string

const (
	TypeNone    Type = "none"
	TypeGzip    Type = "gzip"
	TypeZstd    Type = "zstd"
	TypeSnappy  Type = "snappy"
	TypeZlib    Type = "zlib"
	TypeDeflate Type = "deflate"
	TypeLZ4     Type = "lz4"
)

// Level is an algorithm-specific compression level. Zero selects the default.
type Level int

const (
	LevelDefault Level = 0
	LevelFastest Level = 1
	LevelBest    Level = 9
)

// Config holds compression configuration.
type Config struct {
	Type  Type
	Level Level
}

// Enabled reports whether the config compresses at all.
func (c Config) Enabled() bool {
	return c.Type != "" && c.Type != TypeNone
}

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "snappy":
		return TypeSnappy, nil
	case "zlib":
		return TypeZlib, nil
	case "deflate":
		return TypeDeflate, nil
	case "lz4":
		return TypeLZ4, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value for the compression type.
func (t Type) ContentEncoding() string {
	switch t {
	case TypeGzip, TypeZstd, TypeSnappy, TypeZlib, TypeDeflate, TypeLZ4:
		return string(t)
	default:
		return ""
	}
}

// zstd encoders are expensive to build; EncodeAll is safe for concurrent use
// but each level needs its own encoder.
var (
	zstdMu       sync.Mutex
	zstdEncoders = map[zstd.EncoderLevel]*zstd.Encoder{}
)

func zstdEncoder(level Level) (*zstd.Encoder, error) {
	lvl := zstd.SpeedDefault
	switch {
	case level == LevelDefault:
	case level <= 1:
		lvl = zstd.SpeedFastest
	case level >= 9:
		lvl = zstd.SpeedBestCompression
	case level >= 6:
		lvl = zstd.SpeedBetterCompression
	}

	zstdMu.Lock()
	defer zstdMu.Unlock()
	if enc, ok := zstdEncoders[lvl]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	zstdEncoders[lvl] = enc
	return enc, nil
}

// Compress compresses data using the configured type and level.
// Output is deterministic for a given input and config.
func Compress(data []byte, cfg Config) ([]byte, error) {
	if !cfg.Enabled() {
		return data, nil
	}

	switch cfg.Type {
	case TypeZstd:
		enc, err := zstdEncoder(cfg.Level)
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case TypeSnappy:
		return snappy.Encode(nil, data), nil
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch cfg.Type {
	case TypeGzip:
		w, err = gzip.NewWriterLevel(&buf, flateLevel(cfg.Level))
	case TypeZlib:
		w, err = zlib.NewWriterLevel(&buf, flateLevel(cfg.Level))
	case TypeDeflate:
		w, err = flate.NewWriter(&buf, flateLevel(cfg.Level))
	case TypeLZ4:
		lw := lz4.NewWriter(&buf)
		if cfg.Level != LevelDefault {
			if err := lw.Apply(lz4.CompressionLevelOption(lz4Level(cfg.Level))); err != nil {
				return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
			}
		}
		w = lw
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s writer: %w", cfg.Type, err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write %s data: %w", cfg.Type, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s writer: %w", cfg.Type, err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. Used by tests and by receivers in integration tests.
func Decompress(data []byte, t Type) ([]byte, error) {
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeSnappy:
		return snappy.Decode(nil, data)
	case TypeZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case TypeGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case TypeZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case TypeDeflate:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		return io.ReadAll(r)
	case TypeLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

func flateLevel(level Level) int {
	if level == LevelDefault {
		return flate.DefaultCompression
	}
	if level < flate.BestSpeed {
		return flate.BestSpeed
	}
	if level > flate.BestCompression {
		return flate.BestCompression
	}
	return int(level)
}

func lz4Level(level Level) lz4.CompressionLevel {
	switch {
	case level <= 1:
		return lz4.Fast
	case level >= 9:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}
