package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/pierrec/lz4/v4"
)

const (
	// InlineChunkSize is the uncompressed payload size of one inline
	// transfer chunk.
	InlineChunkSize = 64 * 1024

	// compressionThreshold is the minimum chunk size worth compressing.
	compressionThreshold = 512
)

var (
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// CompressChunk compresses an inline chunk with LZ4, prepending the
// uncompressed size. Returns the original data unchanged when compression
// would not save space.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 block]
func CompressChunk(data []byte) ([]byte, bool) {
	if len(data) < compressionThreshold {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}
	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// DecompressChunk reverses CompressChunk.
func DecompressChunk(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}
	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxLineSize {
		return nil, ErrLineTooLong
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// ChunkPayload returns the wire payload for one inline chunk, compressing
// when beneficial.
func ChunkPayload(fileID int64, seq int, data []byte) TransferChunk {
	payload, compressed := CompressChunk(data)
	return TransferChunk{
		FileID:     fileID,
		Seq:        seq,
		Data:       payload,
		Compressed: compressed,
	}
}

// ChunkData returns the uncompressed bytes of an inline chunk.
func ChunkData(chunk TransferChunk) ([]byte, error) {
	if !chunk.Compressed {
		return chunk.Data, nil
	}
	return DecompressChunk(chunk.Data)
}
