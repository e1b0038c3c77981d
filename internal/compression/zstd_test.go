package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_RoundTrip(t *testing.T) {
	large := bytes.Repeat([]byte(`{"key":"value"}`), 100)

	tests := []struct {
		name    string
		enabled bool
		data    []byte
		framed  byte
	}{
		{name: "small payload stays raw", enabled: true, data: []byte(`{"x":1}`), framed: frameRaw},
		{name: "large payload compressed", enabled: true, data: large, framed: frameZstd},
		{name: "disabled", enabled: false, data: large, framed: frameRaw},
		{name: "empty", enabled: true, data: []byte{}, framed: frameRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCompressor(LevelDefault, tt.enabled)
			require.NoError(t, err)
			defer c.Close()

			encoded := c.Compress(tt.data)
			assert.Equal(t, tt.framed, encoded[0])

			decoded, err := c.Decompress(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.data, decoded)
		})
	}
}

func TestCompressor_Corrupt(t *testing.T) {
	c, err := NewCompressor(LevelFastest, true)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decompress(nil)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = c.Decompress([]byte{9, 1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = c.Decompress([]byte{frameZstd, 1, 2, 3})
	assert.ErrorIs(t, err, ErrCorrupt)
}
