package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"p2pcdn/pkg/protocol"
)

// ErrManifestMismatch reports a reassembly whose chunks do not cover the
// manifest, or whose bytes disagree with the recorded hashes. It is fatal
// to the fetch that hit it.
var ErrManifestMismatch = errors.New("manifest mismatch")

// HashBytes returns the hex-encoded SHA-256 of data. It is the content
// address used for both chunks and whole files.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Split deterministically partitions data into consecutive chunkSize ranges
// (the last may be shorter) and builds the manifest addressing them. The
// file id is the hash of the whole content, so identical files published by
// different peers resolve to the same manifest.
func Split(fileName string, data []byte, chunkSize int64) (*protocol.Manifest, []protocol.FileChunk, error) {
	if chunkSize <= 0 {
		return nil, nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	fileID := HashBytes(data)
	total := int64(len(data))

	numChunks := int((total + chunkSize - 1) / chunkSize)
	hashes := make([]string, 0, numChunks)
	chunks := make([]protocol.FileChunk, 0, numChunks)

	for pos := 0; pos < numChunks; pos++ {
		start := int64(pos) * chunkSize
		end := start + chunkSize
		if end > total {
			end = total
		}
		// Copy so chunks do not alias the caller's buffer
		piece := make([]byte, end-start)
		copy(piece, data[start:end])

		hash := HashBytes(piece)
		hashes = append(hashes, hash)
		chunks = append(chunks, protocol.FileChunk{
			FileID:   fileID,
			Position: uint32(pos),
			Hash:     hash,
			Data:     piece,
		})
	}

	manifest := &protocol.Manifest{
		FileID:    fileID,
		FileName:  fileName,
		TotalSize: total,
		ChunkSize: chunkSize,
		Hashes:    hashes,
	}
	return manifest, chunks, nil
}

// VerifyChunk checks that a chunk's bytes hash to the manifest's recorded
// hash at its position. Invalid chunks must be discarded, never cached or
// forwarded.
func VerifyChunk(m *protocol.Manifest, chunk *protocol.FileChunk) error {
	if int(chunk.Position) >= len(m.Hashes) {
		return fmt.Errorf("%w: position %d out of range (manifest has %d chunks)", ErrManifestMismatch, chunk.Position, len(m.Hashes))
	}
	want := m.Hashes[chunk.Position]
	got := HashBytes(chunk.Data)
	if got != want {
		return fmt.Errorf("chunk %d hash verification failed. Expected: %s, Got: %s", chunk.Position, want, got)
	}
	if int64(len(chunk.Data)) != m.ChunkLength(int(chunk.Position)) {
		return fmt.Errorf("chunk %d length %d does not match manifest length %d", chunk.Position, len(chunk.Data), m.ChunkLength(int(chunk.Position)))
	}
	return nil
}

// Reassemble concatenates chunks in position order and fails with
// ErrManifestMismatch if any position is missing, duplicated with different
// bytes, or fails hash verification.
func Reassemble(m *protocol.Manifest, chunks []protocol.FileChunk) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	byPos := make(map[uint32]*protocol.FileChunk, len(chunks))
	for i := range chunks {
		byPos[chunks[i].Position] = &chunks[i]
	}

	out := make([]byte, 0, m.TotalSize)
	for pos := 0; pos < m.TotalChunks(); pos++ {
		chunk, ok := byPos[uint32(pos)]
		if !ok {
			return nil, fmt.Errorf("%w: missing chunk at position %d", ErrManifestMismatch, pos)
		}
		if HashBytes(chunk.Data) != m.Hashes[pos] {
			return nil, fmt.Errorf("%w: chunk %d failed hash verification", ErrManifestMismatch, pos)
		}
		out = append(out, chunk.Data...)
	}

	if int64(len(out)) != m.TotalSize {
		return nil, fmt.Errorf("%w: reassembled %d bytes, manifest says %d", ErrManifestMismatch, len(out), m.TotalSize)
	}
	return out, nil
}
