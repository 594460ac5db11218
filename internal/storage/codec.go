package storage

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Codec transforms persisted values, e.g. to compress large snapshots
type Codec interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// NopCodec stores values as-is
type NopCodec struct{}

func (NopCodec) Encode(data []byte) ([]byte, error) { return data, nil }
func (NopCodec) Decode(data []byte) ([]byte, error) { return data, nil }

// zstd frame magic number, little endian
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ZstdCodec compresses values above a size threshold. Decode accepts both
// compressed and plain values so the threshold can change between runs.
type ZstdCodec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

// NewZstdCodec creates a codec that compresses values of at least threshold bytes
func NewZstdCodec(threshold int) (*ZstdCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &ZstdCodec{
		encoder:   encoder,
		decoder:   decoder,
		threshold: threshold,
	}, nil
}

func (c *ZstdCodec) Encode(data []byte) ([]byte, error) {
	if len(data) < c.threshold {
		return data, nil
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *ZstdCodec) Decode(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress value: %w", err)
	}
	return out, nil
}

// Close releases the decoder's goroutines
func (c *ZstdCodec) Close() {
	c.decoder.Close()
}
