package cdn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"p2pcdn/internal/mesh"
	"p2pcdn/internal/storage"
	"p2pcdn/internal/tracker"
	"p2pcdn/pkg/config"
	"p2pcdn/pkg/protocol"
	"p2pcdn/pkg/transport/tcp"
)

// wiring breaks the mesh/CDN construction cycle the same way the command
// line entry point does.
type wiring struct {
	mu  sync.Mutex
	cdn *CDN
}

func (w *wiring) ChunkData(fileID string, position uint32, hash string) ([]byte, error) {
	w.mu.Lock()
	c := w.cdn
	w.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("node not ready")
	}
	return c.ChunkData(fileID, position, hash)
}

func (w *wiring) LocalManifest(fileID string) (*protocol.Manifest, bool) {
	w.mu.Lock()
	c := w.cdn
	w.mu.Unlock()
	if c == nil {
		return nil, false
	}
	return c.LocalManifest(fileID)
}

type testNode struct {
	cdn   *CDN
	avail *tracker.Tracker
	store *storage.Store
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ChunkSize = 1024
	cfg.StorageCapacityBytes = 1 << 20
	cfg.RequestTimeout = 3 * time.Second
	cfg.DiscoveryWait = 3 * time.Second
	cfg.BufferSize = 1 << 20
	cfg.LowWatermark = cfg.BufferSize / 4
	return cfg
}

func startNode(t *testing.T, peerID string) *testNode {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping multi-node test in short mode")
	}
	cfg := testConfig()

	store, err := storage.NewStore(storage.NewMemoryBackend(), cfg.StorageCapacityBytes)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	avail := tracker.New()

	w := &wiring{}
	m := mesh.New(tcp.NewTCPTransport("127.0.0.1:0"), mesh.Options{
		PeerID:         peerID,
		RequestTimeout: cfg.RequestTimeout,
	}, w, w)

	c := New(cfg, m, avail, store)
	w.mu.Lock()
	w.cdn = c
	w.mu.Unlock()

	if err := c.Start(); err != nil {
		t.Fatalf("node %s failed to start: %v", peerID, err)
	}
	t.Cleanup(c.Stop)
	return &testNode{cdn: c, avail: avail, store: store}
}

// waitForHolders polls until the node's tracker knows a source for fileID.
func waitForHolders(t *testing.T, n *testNode, fileID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(n.avail.Holders(fileID)) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no holder for %s ever announced", fileID)
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(21)).Read(data)
	return data
}

func TestPublishAndFetchAcrossNodes(t *testing.T) {
	seeder := startNode(t, "seeder")
	leecher := startNode(t, "leecher")

	payload := randomPayload(t, 10*1024)
	manifest, err := seeder.cdn.Publish("movie.bin", payload)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := leecher.cdn.Connect(seeder.cdn.Addr()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForHolders(t, leecher, manifest.FileID)

	var mu sync.Mutex
	var last TransferProgress
	resp, err := leecher.cdn.Fetch(context.Background(), Request{
		FileID: manifest.FileID,
		OnProgress: func(p TransferProgress) {
			mu.Lock()
			last = p
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	got, err := resp.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("fetched bytes differ from the published payload")
	}

	<-resp.Done()
	if err := resp.Err(); err != nil {
		t.Fatalf("fetch pipeline reported error: %v", err)
	}

	mu.Lock()
	if last.DownloadedChunks != manifest.TotalChunks() || last.Progress < 1.0 {
		t.Fatalf("progress never completed: %+v", last)
	}
	mu.Unlock()

	// Every fetched chunk should now be cached locally
	for _, hash := range manifest.Hashes {
		if !leecher.store.Has(hash) {
			t.Fatalf("chunk %s not cached after fetch", hash)
		}
	}
}

func TestSecondFetchServedFromCache(t *testing.T) {
	seeder := startNode(t, "seeder")
	leecher := startNode(t, "leecher")

	payload := randomPayload(t, 6*1024)
	manifest, err := seeder.cdn.Publish("doc.bin", payload)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := leecher.cdn.Connect(seeder.cdn.Addr()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForHolders(t, leecher, manifest.FileID)

	resp, err := leecher.cdn.Fetch(context.Background(), Request{FileID: manifest.FileID})
	if err != nil {
		t.Fatalf("first Fetch failed: %v", err)
	}
	if _, err := resp.ReadAll(context.Background()); err != nil {
		t.Fatalf("first ReadAll failed: %v", err)
	}
	<-resp.Done()

	// With the seeder gone, only the local cache can satisfy the repeat
	seeder.cdn.Stop()

	resp, err = leecher.cdn.Fetch(context.Background(), Request{FileID: manifest.FileID})
	if err != nil {
		t.Fatalf("cache-hit Fetch failed: %v", err)
	}
	got, err := resp.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("cache-hit ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("cache hit returned different bytes")
	}
}

func TestFetchedNodeReseedsToNewPeers(t *testing.T) {
	seeder := startNode(t, "seeder")
	relay := startNode(t, "relay")

	payload := randomPayload(t, 4*1024)
	manifest, err := seeder.cdn.Publish("clip.bin", payload)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := relay.cdn.Connect(seeder.cdn.Addr()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForHolders(t, relay, manifest.FileID)

	resp, err := relay.cdn.Fetch(context.Background(), Request{FileID: manifest.FileID})
	if err != nil {
		t.Fatalf("relay Fetch failed: %v", err)
	}
	if _, err := resp.ReadAll(context.Background()); err != nil {
		t.Fatalf("relay ReadAll failed: %v", err)
	}
	<-resp.Done()

	// The original seeder goes away; a newcomer must be able to pull the
	// file from the relay, which became a source chunk by chunk.
	seeder.cdn.Stop()

	edge := startNode(t, "edge")
	if err := edge.cdn.Connect(relay.cdn.Addr()); err != nil {
		t.Fatalf("edge Connect failed: %v", err)
	}
	waitForHolders(t, edge, manifest.FileID)

	resp, err = edge.cdn.Fetch(context.Background(), Request{FileID: manifest.FileID})
	if err != nil {
		t.Fatalf("edge Fetch failed: %v", err)
	}
	got, err := resp.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("edge ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reseeded bytes differ from the original payload")
	}
}

func TestFetchUnknownFileFails(t *testing.T) {
	node := startNode(t, "lonely")

	_, err := node.cdn.Fetch(context.Background(), Request{FileID: "no-such-file"})
	if !errors.Is(err, ErrUnknownFile) {
		t.Fatalf("expected ErrUnknownFile, got %v", err)
	}
}

func TestCancelStopsConsumer(t *testing.T) {
	seeder := startNode(t, "seeder")
	leecher := startNode(t, "leecher")

	payload := randomPayload(t, 8*1024)
	manifest, err := seeder.cdn.Publish("big.bin", payload)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := leecher.cdn.Connect(seeder.cdn.Addr()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForHolders(t, leecher, manifest.FileID)

	resp, err := leecher.cdn.Fetch(context.Background(), Request{FileID: manifest.FileID})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	resp.Cancel()

	readErr := make(chan error, 1)
	go func() {
		_, err := resp.ReadAll(context.Background())
		readErr <- err
	}()

	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("ReadAll succeeded on a cancelled fetch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ReadAll blocked after Cancel")
	}

	select {
	case <-resp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never finished after Cancel")
	}
}
