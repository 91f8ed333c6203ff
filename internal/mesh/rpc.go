package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"p2pcdn/pkg/logger"
	"p2pcdn/pkg/protocol"
)

var (
	// ErrPeerUnavailable reports a request against a peer that is not
	// connected (or disconnected mid-request).
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrRequestTimeout reports a peer that did not answer within the
	// configured request timeout.
	ErrRequestTimeout = errors.New("chunk request timed out")
	// ErrChunkRefused reports a peer that answered but does not hold the
	// chunk it announced.
	ErrChunkRefused = errors.New("peer refused chunk request")
)

// pendingRequests correlates responses arriving on the message loop with
// the goroutines waiting on them, keyed by peer and request identity.
type pendingRequests struct {
	mu        sync.Mutex
	chunks    map[string]chan protocol.ChunkResponse    // "peer:file:pos"
	manifests map[string]chan protocol.ManifestResponse // "peer:file"
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		chunks:    make(map[string]chan protocol.ChunkResponse),
		manifests: make(map[string]chan protocol.ManifestResponse),
	}
}

func chunkKey(peerID, fileID string, position uint32) string {
	return fmt.Sprintf("%s:%s:%d", peerID, fileID, position)
}

func manifestKey(peerID, fileID string) string {
	return fmt.Sprintf("%s:%s", peerID, fileID)
}

func (pr *pendingRequests) addChunk(peerID, fileID string, position uint32) (chan protocol.ChunkResponse, func()) {
	key := chunkKey(peerID, fileID, position)
	ch := make(chan protocol.ChunkResponse, 1)

	pr.mu.Lock()
	pr.chunks[key] = ch
	pr.mu.Unlock()

	cancel := func() {
		pr.mu.Lock()
		delete(pr.chunks, key)
		pr.mu.Unlock()
	}
	return ch, cancel
}

func (pr *pendingRequests) addManifest(peerID, fileID string) (chan protocol.ManifestResponse, func()) {
	key := manifestKey(peerID, fileID)
	ch := make(chan protocol.ManifestResponse, 1)

	pr.mu.Lock()
	pr.manifests[key] = ch
	pr.mu.Unlock()

	cancel := func() {
		pr.mu.Lock()
		delete(pr.manifests, key)
		pr.mu.Unlock()
	}
	return ch, cancel
}

// deliverChunk routes a response to the waiter that asked responder for it.
// A waiter is matched on the full (peer, file, position) identity so two
// concurrent fetches of one file can never absorb each other's responses.
// Responses nobody is waiting for (cancelled or timed-out requests) are
// discarded.
func (pr *pendingRequests) deliverChunk(responder string, resp protocol.ChunkResponse) error {
	key := chunkKey(responder, resp.FileID, resp.Position)

	pr.mu.Lock()
	ch, ok := pr.chunks[key]
	if ok {
		delete(pr.chunks, key)
	}
	pr.mu.Unlock()

	if !ok {
		logger.Sugar.Debugf("[Mesh] discarding unsolicited chunk response: peer=%s file=%s pos=%d", responder, resp.FileID, resp.Position)
		return nil
	}
	ch <- resp
	return nil
}

func (pr *pendingRequests) deliverManifest(responder string, resp protocol.ManifestResponse) error {
	key := manifestKey(responder, resp.FileID)

	pr.mu.Lock()
	ch, ok := pr.manifests[key]
	if ok {
		delete(pr.manifests, key)
	}
	pr.mu.Unlock()

	if !ok {
		return nil
	}
	ch <- resp
	return nil
}

// failPeer unblocks every waiter registered against a disconnected peer.
func (pr *pendingRequests) failPeer(peerID string) {
	prefix := peerID + ":"

	pr.mu.Lock()
	for key, ch := range pr.chunks {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(pr.chunks, key)
			close(ch)
		}
	}
	for key, ch := range pr.manifests {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(pr.manifests, key)
			close(ch)
		}
	}
	pr.mu.Unlock()
}

// RequestChunk asks peerID for one chunk and waits for the verified-size
// response, the request timeout, disconnection, or ctx cancellation,
// whichever comes first. Failures are per-attempt: the scheduler reroutes,
// they never fail the whole fetch by themselves.
func (m *Mesh) RequestChunk(ctx context.Context, peerID, fileID string, position uint32, hash string) (*protocol.FileChunk, error) {
	node, p, err := m.nodeFor(peerID)
	if err != nil {
		return nil, err
	}

	respCh, cancel := m.pending.addChunk(peerID, fileID, position)
	defer cancel()

	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	started := time.Now()

	req := protocol.ChunkRequest{FileID: fileID, Position: position, Hash: hash}
	if err := node.Send(req); err != nil {
		return nil, fmt.Errorf("%w: send to %s failed: %v", ErrPeerUnavailable, peerID, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("%w: %s disconnected mid-request", ErrPeerUnavailable, peerID)
		}
		if resp.Err != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrChunkRefused, peerID, resp.Err)
		}
		p.observeLatency(time.Since(started))
		return &protocol.FileChunk{
			FileID:   resp.FileID,
			Position: resp.Position,
			Hash:     resp.Hash,
			Data:     resp.Data,
		}, nil
	case <-time.After(m.opts.RequestTimeout):
		return nil, fmt.Errorf("%w: peer=%s file=%s pos=%d", ErrRequestTimeout, peerID, fileID, position)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestManifest asks peerID for the manifest of fileID.
func (m *Mesh) RequestManifest(ctx context.Context, peerID, fileID string) (*protocol.Manifest, error) {
	node, p, err := m.nodeFor(peerID)
	if err != nil {
		return nil, err
	}

	respCh, cancel := m.pending.addManifest(peerID, fileID)
	defer cancel()

	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	if err := node.Send(protocol.ManifestRequest{FileID: fileID}); err != nil {
		return nil, fmt.Errorf("%w: send to %s failed: %v", ErrPeerUnavailable, peerID, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("%w: %s disconnected mid-request", ErrPeerUnavailable, peerID)
		}
		if !resp.Found {
			return nil, fmt.Errorf("peer %s does not know manifest %s", peerID, fileID)
		}
		manifest := resp.Manifest
		if err := manifest.Validate(); err != nil {
			return nil, fmt.Errorf("peer %s sent invalid manifest: %w", peerID, err)
		}
		return &manifest, nil
	case <-time.After(m.opts.RequestTimeout):
		return nil, fmt.Errorf("%w: manifest peer=%s file=%s", ErrRequestTimeout, peerID, fileID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleChunkRequest serves a chunk from local storage back to the asker.
func (m *Mesh) handleChunkRequest(from string, req protocol.ChunkRequest) error {
	m.touchPeer(from)

	m.mu.Lock()
	p, ok := m.byRemote[from]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("chunk request from unregistered connection %s", from)
	}

	resp := protocol.ChunkResponse{FileID: req.FileID, Position: req.Position, Hash: req.Hash}
	if m.chunks == nil {
		resp.Err = "node does not serve chunks"
	} else if data, err := m.chunks.ChunkData(req.FileID, req.Position, req.Hash); err != nil {
		resp.Err = err.Error()
	} else {
		resp.Data = data
	}

	if err := p.node.Send(resp); err != nil {
		return fmt.Errorf("failed to send chunk response to %s: %w", p.id, err)
	}
	logger.Sugar.Debugf("[Mesh] served chunk: file=%s pos=%d to=%s bytes=%d err=%q", req.FileID, req.Position, p.id, len(resp.Data), resp.Err)
	return nil
}

func (m *Mesh) handleManifestRequest(from string, req protocol.ManifestRequest) error {
	m.touchPeer(from)

	m.mu.Lock()
	p, ok := m.byRemote[from]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manifest request from unregistered connection %s", from)
	}

	resp := protocol.ManifestResponse{FileID: req.FileID}
	if m.manifests != nil {
		if manifest, found := m.manifests.LocalManifest(req.FileID); found {
			resp.Found = true
			resp.Manifest = *manifest
		}
	}
	return p.node.Send(resp)
}

// BroadcastAvailability announces the full snapshot of locally held
// positions for fileID to every connected peer. Broadcasts are rate
// limited; over-rate snapshots are coalesced and flushed later, latest
// snapshot winning, so reseeding a popular file cannot storm the mesh.
func (m *Mesh) BroadcastAvailability(fileID string, positions []uint32) {
	if m.announceLimiter.Allow() {
		m.sendAvailability(fileID, positions)
		return
	}

	m.announceMu.Lock()
	m.announceDirty[fileID] = positions
	m.announceMu.Unlock()
}

func (m *Mesh) sendAvailability(fileID string, positions []uint32) {
	av := protocol.Availability{
		PeerID:    m.opts.PeerID,
		FileID:    fileID,
		Positions: positions,
	}
	for _, p := range m.snapshotPeers() {
		if err := p.node.Send(av); err != nil {
			logger.Sugar.Debugf("[Mesh] availability to %s failed: %v", p.id, err)
		}
	}
}

func (m *Mesh) announceFlushLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.quitCh:
			return
		case <-ticker.C:
			m.flushPendingAnnouncements()
		}
	}
}

func (m *Mesh) flushPendingAnnouncements() {
	for {
		m.announceMu.Lock()
		var fileID string
		var positions []uint32
		for f, p := range m.announceDirty {
			fileID, positions = f, p
			break
		}
		if fileID == "" {
			m.announceMu.Unlock()
			return
		}
		if !m.announceLimiter.Allow() {
			m.announceMu.Unlock()
			return
		}
		delete(m.announceDirty, fileID)
		m.announceMu.Unlock()

		m.sendAvailability(fileID, positions)
	}
}
