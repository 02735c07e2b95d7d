package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compression names a payload compression scheme
type Compression string

const (
	CompressionNone Compression = ""
	CompressionZstd Compression = "zstd"
)

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case CompressionNone, "none":
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported compression %q", s)
	}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// Encoder and Decoder are safe for concurrent EncodeAll/DecodeAll
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress applies c to data. Nil data, used for tombstones, stays nil.
func Compress(c Compression, data []byte) ([]byte, error) {
	if c == CompressionNone || data == nil {
		return data, nil
	}
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zstd: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decompress reverses Compress
func Decompress(c Compression, data []byte) ([]byte, error) {
	if c == CompressionNone || data == nil {
		return data, nil
	}
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zstd: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}
