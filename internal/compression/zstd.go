// Package compression wraps zstd for archived snapshot payloads.
//
// Every encoded payload starts with a one-byte frame marker so payloads that
// were too small or incompressible can be stored raw and still decode.
package compression

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	frameRaw  byte = 0
	frameZstd byte = 1

	minCompressSize = 128
)

// Level selects the zstd encoder speed.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 2
	LevelBetter  Level = 3
)

var ErrCorrupt = errors.New("compression: corrupt payload")

type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

func NewCompressor(level Level, enabled bool) (*Compressor, error) {
	if !enabled {
		return &Compressor{enabled: false}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case LevelFastest:
		encoderLevel = zstd.SpeedFastest
	case LevelBetter:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

// Compress frames data, compressing it when that makes it smaller.
func (c *Compressor) Compress(data []byte) []byte {
	if c.enabled && len(data) >= minCompressSize {
		out := make([]byte, 1, len(data))
		out[0] = frameZstd
		out = c.encoder.EncodeAll(data, out)
		if len(out) < len(data)+1 {
			return out
		}
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, frameRaw)
	return append(out, data...)
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCorrupt
	}

	switch data[0] {
	case frameRaw:
		out := make([]byte, len(data)-1)
		copy(out, data[1:])
		return out, nil
	case frameZstd:
		if c.decoder == nil {
			return nil, fmt.Errorf("%w: zstd frame with compression disabled", ErrCorrupt)
		}
		out, err := c.decoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame %d", ErrCorrupt, data[0])
	}
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
