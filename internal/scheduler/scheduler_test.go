package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"p2pcdn/internal/codec"
	"p2pcdn/internal/storage"
	"p2pcdn/internal/tracker"
	"p2pcdn/pkg/protocol"
)

// fakeMesh serves chunks for configured peers without any networking.
// Failures and corruptions are keyed by "peer:pos".
type fakeMesh struct {
	mu       sync.Mutex
	chunks   map[string][]protocol.FileChunk
	latency  map[string]time.Duration
	failOnce map[string]bool
	corrupt  map[string]bool
	requests []string
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		chunks:   make(map[string][]protocol.FileChunk),
		latency:  make(map[string]time.Duration),
		failOnce: make(map[string]bool),
		corrupt:  make(map[string]bool),
	}
}

func (m *fakeMesh) serve(peerID string, chunks []protocol.FileChunk, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[peerID] = chunks
	m.latency[peerID] = latency
}

func (m *fakeMesh) RequestChunk(ctx context.Context, peerID, fileID string, position uint32, hash string) (*protocol.FileChunk, error) {
	key := fmt.Sprintf("%s:%d", peerID, position)

	m.mu.Lock()
	m.requests = append(m.requests, key)
	if m.failOnce[key] {
		delete(m.failOnce, key)
		m.mu.Unlock()
		return nil, errors.New("request timed out")
	}
	chunks, ok := m.chunks[peerID]
	m.mu.Unlock()

	if !ok || int(position) >= len(chunks) {
		return nil, errors.New("peer does not hold chunk")
	}
	chunk := chunks[position]
	chunk.Data = append([]byte(nil), chunk.Data...)

	m.mu.Lock()
	bad := m.corrupt[key]
	m.mu.Unlock()
	if bad {
		chunk.Data[0] ^= 0xff
	}
	return &chunk, nil
}

func (m *fakeMesh) PeerLoad(peerID string) (int, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lat, ok := m.latency[peerID]
	return 0, lat, ok
}

func (m *fakeMesh) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *fakeMesh) requestsFor(position uint32) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	suffix := fmt.Sprintf(":%d", position)
	var out []string
	for _, key := range m.requests {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			out = append(out, key)
		}
	}
	return out
}

func splitFile(t *testing.T, size, chunkSize int) (*protocol.Manifest, []protocol.FileChunk, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(11)).Read(data)
	manifest, chunks, err := codec.Split("fetch.bin", data, int64(chunkSize))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	return manifest, chunks, data
}

func announceAll(tr *tracker.Tracker, peerID, fileID string, total int) {
	positions := make([]uint32, total)
	for i := range positions {
		positions[i] = uint32(i)
	}
	tr.Announce(peerID, fileID, positions)
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.NewStore(storage.NewMemoryBackend(), 1<<20)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestFetchDownloadsAllMissingChunks(t *testing.T) {
	manifest, chunks, original := splitFile(t, 8*1024, 1024)

	mesh := newFakeMesh()
	mesh.serve("seed", chunks, 10*time.Millisecond)
	avail := tracker.New()
	announceAll(avail, "seed", manifest.FileID, manifest.TotalChunks())
	store := newTestStore(t)

	var mu sync.Mutex
	received := make([]protocol.FileChunk, 0, len(chunks))
	emit := func(ctx context.Context, chunk *protocol.FileChunk) error {
		mu.Lock()
		received = append(received, *chunk)
		mu.Unlock()
		return nil
	}
	var stored []uint32
	onStored := func(pos uint32) {
		mu.Lock()
		stored = append(stored, pos)
		mu.Unlock()
	}

	f := New(manifest, mesh, avail, store, Options{MaxConcurrent: 3}, emit, onStored)
	if f.State() != StateResolvingManifest {
		t.Fatalf("new fetch should start resolving, got %v", f.State())
	}
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.State() != StateComplete {
		t.Fatalf("expected StateComplete, got %v", f.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != len(chunks) || len(stored) != len(chunks) {
		t.Fatalf("expected %d chunks emitted and stored, got %d/%d", len(chunks), len(received), len(stored))
	}
	out, err := codec.Reassemble(manifest, received)
	if err != nil {
		t.Fatalf("Reassemble failed: %v", err)
	}
	if !bytes.Equal(out, original) {
		t.Fatal("fetched bytes differ from original")
	}
	for _, hash := range manifest.Hashes {
		if !store.Has(hash) {
			t.Fatalf("chunk %s missing from storage after fetch", hash)
		}
	}
}

func TestFetchSkipsLocallyHeldChunks(t *testing.T) {
	manifest, chunks, _ := splitFile(t, 4*1024, 1024)

	store := newTestStore(t)
	// Positions 0 and 2 already cached
	for _, pos := range []int{0, 2} {
		if err := store.Put(chunks[pos].Hash, chunks[pos].Data); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	mesh := newFakeMesh()
	mesh.serve("seed", chunks, time.Millisecond)
	avail := tracker.New()
	announceAll(avail, "seed", manifest.FileID, manifest.TotalChunks())

	f := New(manifest, mesh, avail, store, Options{}, nil, nil)
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := mesh.requestCount(); n != 2 {
		t.Fatalf("expected 2 mesh requests for the missing positions, got %d", n)
	}
	for _, pos := range []uint32{0, 2} {
		if reqs := mesh.requestsFor(pos); len(reqs) != 0 {
			t.Fatalf("cached position %d was requested from the mesh: %v", pos, reqs)
		}
	}
}

func TestFetchRetriesFailedChunkAgainstOtherPeer(t *testing.T) {
	manifest, chunks, _ := splitFile(t, 6*1024, 1024)

	mesh := newFakeMesh()
	// "flaky" has lower latency so the tracker prefers it first
	mesh.serve("flaky", chunks, time.Millisecond)
	mesh.serve("solid", chunks, 50*time.Millisecond)
	mesh.failOnce["flaky:3"] = true

	avail := tracker.New()
	announceAll(avail, "flaky", manifest.FileID, manifest.TotalChunks())
	announceAll(avail, "solid", manifest.FileID, manifest.TotalChunks())
	store := newTestStore(t)

	f := New(manifest, mesh, avail, store, Options{MaxConcurrent: 1, BlacklistCooldown: time.Minute}, nil, nil)
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.State() != StateComplete {
		t.Fatalf("expected StateComplete, got %v", f.State())
	}

	reqs := mesh.requestsFor(3)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 attempts for position 3, got %v", reqs)
	}
	if reqs[0] != "flaky:3" || reqs[1] != "solid:3" {
		t.Fatalf("retry did not move to the other peer: %v", reqs)
	}
	if !store.Has(manifest.Hashes[3]) {
		t.Fatal("position 3 missing from storage after retry")
	}
}

func TestFetchRejectsCorruptChunkAndRetries(t *testing.T) {
	manifest, chunks, _ := splitFile(t, 4*1024, 1024)

	mesh := newFakeMesh()
	mesh.serve("liar", chunks, time.Millisecond)
	mesh.serve("honest", chunks, 50*time.Millisecond)
	mesh.corrupt["liar:1"] = true

	avail := tracker.New()
	announceAll(avail, "liar", manifest.FileID, manifest.TotalChunks())
	announceAll(avail, "honest", manifest.FileID, manifest.TotalChunks())
	store := newTestStore(t)

	f := New(manifest, mesh, avail, store, Options{MaxConcurrent: 1, BlacklistCooldown: time.Minute}, nil, nil)
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	reqs := mesh.requestsFor(1)
	if len(reqs) != 2 || reqs[1] != "honest:1" {
		t.Fatalf("corrupt chunk was not retried elsewhere: %v", reqs)
	}
	got, err := store.Get(manifest.Hashes[1])
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, chunks[1].Data) {
		t.Fatal("stored chunk does not match the honest copy")
	}
}

func TestFetchFailsWhenNoPeersRemain(t *testing.T) {
	manifest, _, _ := splitFile(t, 2*1024, 1024)

	mesh := newFakeMesh()
	avail := tracker.New()
	store := newTestStore(t)

	f := New(manifest, mesh, avail, store, Options{DiscoveryWait: 50 * time.Millisecond}, nil, nil)
	err := f.Run(context.Background())
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if f.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %v", f.State())
	}
}

func TestFetchWaitsForLateAnnouncement(t *testing.T) {
	manifest, chunks, _ := splitFile(t, 2*1024, 1024)

	mesh := newFakeMesh()
	mesh.serve("late", chunks, time.Millisecond)
	avail := tracker.New()
	store := newTestStore(t)

	// Announce the source only after the fetch has started stalling
	go func() {
		time.Sleep(200 * time.Millisecond)
		announceAll(avail, "late", manifest.FileID, manifest.TotalChunks())
	}()

	f := New(manifest, mesh, avail, store, Options{DiscoveryWait: 5 * time.Second}, nil, nil)
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run failed after late announcement: %v", err)
	}
	if f.State() != StateComplete {
		t.Fatalf("expected StateComplete, got %v", f.State())
	}
}

func TestFetchCancelledByContext(t *testing.T) {
	manifest, chunks, _ := splitFile(t, 4*1024, 1024)

	mesh := newFakeMesh()
	mesh.serve("seed", chunks, time.Millisecond)
	avail := tracker.New()
	announceAll(avail, "seed", manifest.FileID, manifest.TotalChunks())
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	// Block the pipeline in emit, then cancel
	emit := func(ctx context.Context, chunk *protocol.FileChunk) error {
		cancel()
		return ctx.Err()
	}

	f := New(manifest, mesh, avail, store, Options{MaxConcurrent: 1}, emit, nil)
	err := f.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.State() != StateCancelled {
		t.Fatalf("expected StateCancelled, got %v", f.State())
	}
}
