package protocol

import (
	"encoding/gob"
	"fmt"
)

func init() {
	// Register types for GOB encoding
	gob.Register(PeerHello{})
	gob.Register(Heartbeat{})
	gob.Register(Availability{})
	gob.Register(ManifestRequest{})
	gob.Register(ManifestResponse{})
	gob.Register(ChunkRequest{})
	gob.Register(ChunkResponse{})
	gob.Register(Manifest{})
	gob.Register(DataMessage{})
}

// Message Types
const (
	IncomingMessageType = 0x1
)

// RPC represents a message received from the network
type RPC struct {
	From    string
	Payload any
}

// DataMessage is the wire envelope for every gob payload
type DataMessage struct {
	Incoming uint8
	Msg      any
}

// --- Domain Types ---

// Manifest is the addressing root of a distributable file: an ordered list
// of per-chunk content hashes plus the metadata needed to slice and verify.
// Immutable once built; the chunk size it was built with is recorded so a
// configuration change cannot silently invalidate old addresses.
type Manifest struct {
	FileID    string
	FileName  string
	TotalSize int64
	ChunkSize int64
	Hashes    []string // position -> sha256 hex of the chunk content
}

// TotalChunks returns the number of positions in the manifest.
func (m *Manifest) TotalChunks() int {
	return len(m.Hashes)
}

// ChunkLength returns the byte length of the chunk at the given position.
// Every chunk is ChunkSize bytes except possibly the last.
func (m *Manifest) ChunkLength(position int) int64 {
	if position == len(m.Hashes)-1 {
		return m.TotalSize - m.ChunkSize*int64(len(m.Hashes)-1)
	}
	return m.ChunkSize
}

// Validate checks the manifest's internal invariants.
func (m *Manifest) Validate() error {
	if m.FileID == "" {
		return fmt.Errorf("manifest has empty file id")
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("manifest chunk size must be positive, got %d", m.ChunkSize)
	}
	want := (m.TotalSize + m.ChunkSize - 1) / m.ChunkSize
	if m.TotalSize == 0 {
		want = 0
	}
	if int64(len(m.Hashes)) != want {
		return fmt.Errorf("manifest hash count %d does not cover %d bytes at chunk size %d", len(m.Hashes), m.TotalSize, m.ChunkSize)
	}
	return nil
}

// FileChunk is one unit of transfer: the bytes at a manifest position
// together with the hash they must verify against.
type FileChunk struct {
	FileID   string
	Position uint32
	Hash     string
	Data     []byte
}

// Size returns the chunk payload length in bytes.
func (c *FileChunk) Size() int64 {
	return int64(len(c.Data))
}

// --- Wire Messages ---

// PeerHello is sent once after connecting, carrying the sender's stable
// peer id and the address it accepts inbound connections on.
type PeerHello struct {
	PeerID     string
	ListenAddr string
}

type Heartbeat struct {
	Timestamp int64
}

// Availability is a full snapshot of the positions the sender holds for a
// file. Snapshots replace previous announcements, they do not accumulate.
type Availability struct {
	PeerID    string
	FileID    string
	Positions []uint32
}

type ManifestRequest struct {
	FileID string
}

type ManifestResponse struct {
	FileID   string
	Found    bool
	Manifest Manifest
}

type ChunkRequest struct {
	FileID   string
	Position uint32
	Hash     string
}

// ChunkResponse answers a ChunkRequest. Err is set (and Data empty) when
// the responder does not hold the chunk.
type ChunkResponse struct {
	FileID   string
	Position uint32
	Hash     string
	Data     []byte
	Err      string
}
