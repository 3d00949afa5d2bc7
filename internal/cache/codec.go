package cache

import (
	"bytes"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	cacheerr "github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

const (
	// DefaultCompressionThreshold is the serialized size below which values
	// are stored uncompressed. Below this the frame overhead exceeds any
	// savings.
	DefaultCompressionThreshold = 1024

	// sizeFallback is returned when a value cannot be serialized for size
	// estimation. Size estimation must never fail a cache operation.
	sizeFallback = 1000
)

// CodecConfig configures serialization and compression behavior.
type CodecConfig struct {
	CompressionEnabled   bool `yaml:"compression_enabled"`
	CompressionThreshold int  `yaml:"compression_threshold"`
	CompressionLevel     int  `yaml:"compression_level"`
}

// Codec serializes cache values and conditionally compresses them above a
// size threshold. It tracks cumulative bytes saved by compression.
type Codec struct {
	enabled    bool
	threshold  int
	level      int
	savedBytes atomic.Int64
	logger     *slog.Logger
}

// NewCodec creates a codec. A nil config enables compression with defaults.
func NewCodec(config *CodecConfig, logger *slog.Logger) *Codec {
	if config == nil {
		config = &CodecConfig{
			CompressionEnabled:   true,
			CompressionThreshold: DefaultCompressionThreshold,
			CompressionLevel:     gzip.DefaultCompression,
		}
	}
	if config.CompressionThreshold <= 0 {
		config.CompressionThreshold = DefaultCompressionThreshold
	}
	if config.CompressionLevel == 0 {
		config.CompressionLevel = gzip.DefaultCompression
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Codec{
		enabled:   config.CompressionEnabled,
		threshold: config.CompressionThreshold,
		level:     config.CompressionLevel,
		logger:    logger,
	}
}

// Encode serializes a value and compresses it when compression is enabled
// and the serialized form meets the threshold. A compression failure falls
// back to the uncompressed form; only serialization failure is an error.
func (c *Codec) Encode(value any) (types.Payload, error) {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return types.Payload{}, cacheerr.Wrap(err, cacheerr.ErrCodeEncodeFailed, "serialize value").
			WithComponent("codec")
	}

	if !c.enabled || len(raw) < c.threshold {
		return types.Payload{Data: raw}, nil
	}

	compressed, err := c.deflate(raw)
	if err != nil {
		c.logger.Warn("compression failed, storing uncompressed",
			"size", len(raw), "error", err)
		return types.Payload{Data: raw}, nil
	}

	if saved := len(raw) - len(compressed); saved > 0 {
		c.savedBytes.Add(int64(saved))
	}

	return types.Payload{
		Compressed:     true,
		Data:           compressed,
		OriginalSize:   len(raw),
		CompressedSize: len(compressed),
	}, nil
}

// Decode reverses Encode into out, which must be a pointer. A corrupt
// compressed frame is an error; callers treat it as a cache miss.
func (c *Codec) Decode(payload types.Payload, out any) error {
	raw := payload.Data
	if payload.Compressed {
		inflated, err := c.inflate(payload.Data)
		if err != nil {
			return cacheerr.Wrap(err, cacheerr.ErrCodeDecompressFailed, "inflate payload").
				WithComponent("codec").
				WithContext("compressed_size", payload.CompressedSize)
		}
		raw = inflated
	}

	if err := msgpack.Unmarshal(raw, out); err != nil {
		return cacheerr.Wrap(err, cacheerr.ErrCodeDecodeFailed, "deserialize value").
			WithComponent("codec")
	}
	return nil
}

// EstimateSize computes an approximate byte size for a value. Compressed
// payloads report their recorded compressed size without re-serialization;
// raw payloads report their data length; anything else is serialized and
// measured, falling back to a fixed constant on failure.
func (c *Codec) EstimateSize(value any) int {
	switch v := value.(type) {
	case types.Payload:
		return v.Size()
	case *types.Payload:
		return v.Size()
	case []byte:
		return len(v)
	case string:
		return len(v)
	}

	raw, err := msgpack.Marshal(value)
	if err != nil {
		return sizeFallback
	}
	return len(raw)
}

// SavedBytes returns the cumulative bytes saved by compression.
func (c *Codec) SavedBytes() int64 {
	return c.savedBytes.Load()
}

func (c *Codec) deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) inflate(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
