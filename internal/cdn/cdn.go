package cdn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"p2pcdn/internal/codec"
	"p2pcdn/internal/mesh"
	"p2pcdn/internal/scheduler"
	"p2pcdn/internal/storage"
	"p2pcdn/internal/tracker"
	"p2pcdn/pkg/config"
	"p2pcdn/pkg/logger"
	"p2pcdn/pkg/protocol"
)

// ErrUnknownFile reports a fetch for a file id with no local manifest and
// no peer able to supply one.
var ErrUnknownFile = errors.New("unknown file: no manifest available")

// TransferProgress is a derived, per-arrival observation of a fetch.
// Never persisted.
type TransferProgress struct {
	FileID           string
	DownloadedBytes  int64
	TotalBytes       int64
	DownloadedChunks int
	TotalChunks      int
	Progress         float64
}

// Request asks the CDN for a file. Manifest is optional; without it the
// manifest is resolved from the local registry or the mesh. OnProgress,
// when set, is invoked on every chunk arrival.
type Request struct {
	FileID     string
	Manifest   *protocol.Manifest
	OnProgress func(TransferProgress)
}

// Stats aggregates node observability counters.
type Stats struct {
	Storage       storage.Stats
	PeerCount     int
	ActiveFetches int
	LocalFiles    int
}

// CDN is the public entry point: it composes the codec, chunk store, peer
// mesh, availability tracker, scheduler, and streamer into a fetch/publish
// surface. It also serves chunk and manifest requests arriving from peers.
type CDN struct {
	cfg   *config.Config
	mesh  *mesh.Mesh
	avail *tracker.Tracker
	store *storage.Store

	mu        sync.Mutex
	manifests map[string]*protocol.Manifest
	active    map[string]*scheduler.Fetch // fileID -> running fetch

	quitCh    chan struct{}
	closeOnce sync.Once
}

// New wires a CDN node together. Call Start before use.
func New(cfg *config.Config, m *mesh.Mesh, avail *tracker.Tracker, store *storage.Store) *CDN {
	return &CDN{
		cfg:       cfg,
		mesh:      m,
		avail:     avail,
		store:     store,
		manifests: make(map[string]*protocol.Manifest),
		active:    make(map[string]*scheduler.Fetch),
		quitCh:    make(chan struct{}),
	}
}

// Start launches the mesh and the event pumps that keep the tracker in
// sync with mesh announcements and departures.
func (c *CDN) Start() error {
	peerEvents := c.mesh.PeerEvents()
	announceEvents := c.mesh.AnnounceEvents()

	if err := c.mesh.Start(); err != nil {
		return err
	}

	go c.pumpEvents(peerEvents, announceEvents)
	return nil
}

// Stop shuts the node down. Active fetches fail with transport errors.
func (c *CDN) Stop() {
	c.closeOnce.Do(func() {
		close(c.quitCh)
		c.mesh.Stop()
	})
}

func (c *CDN) pumpEvents(peerEvents <-chan mesh.PeerEvent, announceEvents <-chan mesh.AnnounceEvent) {
	for {
		select {
		case <-c.quitCh:
			return
		case ev, ok := <-peerEvents:
			if !ok {
				return
			}
			switch ev.Type {
			case mesh.PeerJoined:
				// Introduce the newcomer to everything we hold
				c.reannounceAll()
			case mesh.PeerLeft:
				// Fail fast: never schedule against a dead peer
				c.avail.RemovePeer(ev.PeerID)
			}
		case ev, ok := <-announceEvents:
			if !ok {
				return
			}
			c.avail.Announce(ev.PeerID, ev.FileID, ev.Positions)
		}
	}
}

// Publish splits data into chunks, stores them, registers the manifest,
// and announces availability to the mesh. Returns the manifest whose
// FileID peers use to fetch.
func (c *CDN) Publish(fileName string, data []byte) (*protocol.Manifest, error) {
	manifest, chunks, err := codec.Split(fileName, data, int64(c.cfg.ChunkSize))
	if err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", fileName, err)
	}

	for i := range chunks {
		if err := c.store.Put(chunks[i].Hash, chunks[i].Data); err != nil {
			return nil, fmt.Errorf("failed to store chunk %d: %w", i, err)
		}
	}

	c.registerManifest(manifest)
	c.announceFile(manifest)

	logger.Sugar.Infof("[CDN] published: file=%s id=%s size=%d chunks=%d", fileName, manifest.FileID, manifest.TotalSize, manifest.TotalChunks())
	return manifest, nil
}

// Connect dials a peer by address.
func (c *CDN) Connect(addr string) error {
	return c.mesh.Connect(addr)
}

// Addr returns the mesh's resolved listen address.
func (c *CDN) Addr() string {
	return c.mesh.Addr()
}

// Stats returns current node observability counters.
func (c *CDN) Stats() Stats {
	c.mu.Lock()
	active := len(c.active)
	files := len(c.manifests)
	c.mu.Unlock()

	return Stats{
		Storage:       c.store.Stats(),
		PeerCount:     c.mesh.PeerCount(),
		ActiveFetches: active,
		LocalFiles:    files,
	}
}

// Manifests lists locally registered manifests.
func (c *CDN) Manifests() []*protocol.Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Manifest, 0, len(c.manifests))
	for _, m := range c.manifests {
		out = append(out, m)
	}
	return out
}

// Peers exposes the mesh registry snapshot.
func (c *CDN) Peers() []mesh.PeerInfo {
	return c.mesh.Peers()
}

func (c *CDN) registerManifest(m *protocol.Manifest) {
	c.mu.Lock()
	c.manifests[m.FileID] = m
	c.mu.Unlock()
}

// heldPositions returns the manifest positions currently in local storage.
func (c *CDN) heldPositions(m *protocol.Manifest) []uint32 {
	var positions []uint32
	for pos, hash := range m.Hashes {
		if c.store.Has(hash) {
			positions = append(positions, uint32(pos))
		}
	}
	return positions
}

func (c *CDN) announceFile(m *protocol.Manifest) {
	if positions := c.heldPositions(m); len(positions) > 0 {
		c.mesh.BroadcastAvailability(m.FileID, positions)
	}
}

func (c *CDN) reannounceAll() {
	c.mu.Lock()
	manifests := make([]*protocol.Manifest, 0, len(c.manifests))
	for _, m := range c.manifests {
		manifests = append(manifests, m)
	}
	c.mu.Unlock()

	for _, m := range manifests {
		c.announceFile(m)
	}
}

// --- mesh.ChunkSource ---

// ChunkData serves a locally held chunk to a requesting peer.
func (c *CDN) ChunkData(fileID string, position uint32, hash string) ([]byte, error) {
	data, err := c.store.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("chunk %d of %s not held", position, fileID)
	}
	return data, nil
}

// --- mesh.ManifestSource ---

// LocalManifest serves a locally registered manifest to a requesting peer.
func (c *CDN) LocalManifest(fileID string) (*protocol.Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.manifests[fileID]
	return m, ok
}

// resolveManifest finds the manifest for a fetch: the request's own, the
// local registry, or a mesh round-trip against peers known to hold the
// file (falling back to every connected peer).
func (c *CDN) resolveManifest(ctx context.Context, req Request) (*protocol.Manifest, error) {
	if req.Manifest != nil {
		if err := req.Manifest.Validate(); err != nil {
			return nil, err
		}
		return req.Manifest, nil
	}
	if m, ok := c.LocalManifest(req.FileID); ok {
		return m, nil
	}

	candidates := c.avail.Holders(req.FileID)
	if len(candidates) == 0 {
		for _, p := range c.mesh.Peers() {
			candidates = append(candidates, p.PeerID)
		}
	}
	for _, peerID := range candidates {
		m, err := c.mesh.RequestManifest(ctx, peerID, req.FileID)
		if err != nil {
			logger.Sugar.Debugf("[CDN] manifest resolution via %s failed: %v", peerID, err)
			continue
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFile, req.FileID)
}
