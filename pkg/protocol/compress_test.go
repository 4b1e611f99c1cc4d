package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressChunkRoundTrip(t *testing.T) {
	// Highly compressible data above the threshold.
	data := bytes.Repeat([]byte("parley "), 1024)

	compressed, ok := CompressChunk(data)
	require.True(t, ok)
	assert.Less(t, len(compressed), len(data))

	decompressed, err := DecompressChunk(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}

func TestCompressChunkSkipsSmallPayloads(t *testing.T) {
	data := []byte("tiny")
	out, ok := CompressChunk(data)
	assert.False(t, ok)
	assert.Equal(t, data, out)
}

func TestDecompressChunkErrors(t *testing.T) {
	_, err := DecompressChunk([]byte{0x01})
	require.ErrorIs(t, err, ErrInvalidCompressedLen)

	// Valid size prefix but garbage block.
	bad := []byte{0x00, 0x00, 0x01, 0x00, 0xde, 0xad, 0xbe, 0xef}
	_, err = DecompressChunk(bad)
	require.ErrorIs(t, err, ErrDecompressionFailed)
}

func TestChunkPayloadHelpers(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 4096)
	chunk := ChunkPayload(12, 3, data)
	assert.Equal(t, int64(12), chunk.FileID)
	assert.Equal(t, 3, chunk.Seq)

	got, err := ChunkData(chunk)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
