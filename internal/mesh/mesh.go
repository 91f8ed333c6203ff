package mesh

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"p2pcdn/pkg/events"
	"p2pcdn/pkg/logger"
	"p2pcdn/pkg/protocol"
	"p2pcdn/pkg/transport"
)

// PeerState is the connection state of a peer in the registry.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerInfo is a read-only snapshot of a registered peer.
type PeerInfo struct {
	PeerID     string
	ListenAddr string
	RemoteAddr string
	State      PeerState
	Latency    time.Duration
	Inflight   int
}

// PeerEventType discriminates mesh membership events.
type PeerEventType int

const (
	PeerJoined PeerEventType = iota
	PeerLeft
)

// PeerEvent is published when a peer completes its hello or disconnects.
type PeerEvent struct {
	Type       PeerEventType
	PeerID     string
	ListenAddr string
}

// AnnounceEvent is published when a peer announces chunk availability.
type AnnounceEvent struct {
	PeerID    string
	FileID    string
	Positions []uint32
}

// peer is the registry entry for one live connection. Referenced by peerID
// everywhere else, so a disconnect invalidates by lookup rather than leaving
// dangling references.
type peer struct {
	id         string
	listenAddr string
	remoteAddr string
	node       transport.Node
	state      PeerState
	lastSeen   time.Time

	inflight  atomic.Int64
	latencyNs atomic.Int64 // EWMA of request round trips
}

func (p *peer) observeLatency(rtt time.Duration) {
	const alpha = 0.25
	prev := p.latencyNs.Load()
	if prev == 0 {
		p.latencyNs.Store(int64(rtt))
		return
	}
	next := int64(float64(prev)*(1-alpha) + float64(rtt)*alpha)
	p.latencyNs.Store(next)
}

// ChunkSource supplies locally held chunk bytes for serving peer requests.
type ChunkSource interface {
	ChunkData(fileID string, position uint32, hash string) ([]byte, error)
}

// ManifestSource supplies locally known manifests for serving peer requests.
type ManifestSource interface {
	LocalManifest(fileID string) (*protocol.Manifest, bool)
}

// Options configures a Mesh.
type Options struct {
	PeerID            string
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	AnnounceRate      int // availability broadcasts per second
	AnnounceBurst     int
}

// Mesh maintains the open set of peer connections, multiplexes chunk
// request/response traffic over the transport, and emits membership and
// availability events.
type Mesh struct {
	opts      Options
	transport transport.Transport

	mu         sync.Mutex
	byID       map[string]*peer          // peerID -> peer
	byRemote   map[string]*peer          // remote addr -> peer
	pendingOut map[string]transport.Node // connections whose hello has not arrived yet

	pending *pendingRequests

	chunks    ChunkSource
	manifests ManifestSource

	peerEvents     *events.Bus[PeerEvent]
	announceEvents *events.Bus[AnnounceEvent]

	// Announcement storm guard: broadcasts are rate limited and coalesced,
	// latest snapshot wins.
	announceLimiter *rate.Limiter
	announceMu      sync.Mutex
	announceDirty   map[string][]uint32 // fileID -> latest unsent snapshot

	quitCh    chan struct{}
	closeOnce sync.Once
}

// New builds a mesh over the given transport. Sources may be nil for nodes
// that only consume (they will answer requests with not-found).
func New(trans transport.Transport, opts Options, chunks ChunkSource, manifests ManifestSource) *Mesh {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.PeerTimeout == 0 {
		opts.PeerTimeout = 15 * time.Second
	}
	if opts.AnnounceRate == 0 {
		opts.AnnounceRate = 10
	}
	if opts.AnnounceBurst == 0 {
		opts.AnnounceBurst = 20
	}

	m := &Mesh{
		opts:            opts,
		transport:       trans,
		byID:            make(map[string]*peer),
		byRemote:        make(map[string]*peer),
		pendingOut:      make(map[string]transport.Node),
		pending:         newPendingRequests(),
		chunks:          chunks,
		manifests:       manifests,
		peerEvents:      events.NewBus[PeerEvent](),
		announceEvents:  events.NewBus[AnnounceEvent](),
		announceLimiter: rate.NewLimiter(rate.Limit(opts.AnnounceRate), opts.AnnounceBurst),
		announceDirty:   make(map[string][]uint32),
		quitCh:          make(chan struct{}),
	}
	trans.SetOnPeer(m.onInbound)
	trans.SetOnDisconnect(m.onDisconnect)
	return m
}

// Start begins listening, the message loop, heartbeats, and the coalesced
// announcement flusher.
func (m *Mesh) Start() error {
	if err := m.transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to start listening: %w", err)
	}
	logger.Sugar.Infof("[Mesh] listening on %s as peer %s", m.transport.Addr(), m.opts.PeerID)

	go m.loop()
	go m.heartbeatLoop()
	go m.announceFlushLoop()
	return nil
}

// Stop shuts the mesh down. In-flight requests fail with transport errors.
func (m *Mesh) Stop() {
	m.closeOnce.Do(func() {
		close(m.quitCh)
		for _, p := range m.snapshotPeers() {
			_ = p.node.Close()
		}
		m.transport.Close()
		m.peerEvents.Close()
		m.announceEvents.Close()
	})
}

// Addr returns the transport's resolved listen address.
func (m *Mesh) Addr() string {
	return m.transport.Addr()
}

// PeerEvents returns a subscription to membership events.
func (m *Mesh) PeerEvents() <-chan PeerEvent {
	return m.peerEvents.Subscribe()
}

// AnnounceEvents returns a subscription to availability announcements.
func (m *Mesh) AnnounceEvents() <-chan AnnounceEvent {
	return m.announceEvents.Subscribe()
}

// Connect dials addr and performs the hello handshake. The peer becomes
// usable once its hello arrives and a PeerJoined event fires.
func (m *Mesh) Connect(addr string) error {
	node, err := m.transport.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to dial peer %s: %w", addr, err)
	}

	m.mu.Lock()
	m.pendingOut[node.Addr()] = node
	m.mu.Unlock()

	hello := protocol.PeerHello{PeerID: m.opts.PeerID, ListenAddr: m.transport.Addr()}
	if err := node.Send(hello); err != nil {
		return fmt.Errorf("failed to send hello to %s: %w", addr, err)
	}
	return nil
}

// PeerLoad reports (inflight, latency) for the tracker's tie-break.
func (m *Mesh) PeerLoad(peerID string) (int, time.Duration, bool) {
	m.mu.Lock()
	p, ok := m.byID[peerID]
	m.mu.Unlock()
	if !ok || p.state != PeerConnected {
		return 0, 0, false
	}
	return int(p.inflight.Load()), time.Duration(p.latencyNs.Load()), true
}

// Peers returns a snapshot of the registry.
func (m *Mesh) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerInfo, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, PeerInfo{
			PeerID:     p.id,
			ListenAddr: p.listenAddr,
			RemoteAddr: p.remoteAddr,
			State:      p.state,
			Latency:    time.Duration(p.latencyNs.Load()),
			Inflight:   int(p.inflight.Load()),
		})
	}
	return out
}

// PeerCount returns the number of connected peers.
func (m *Mesh) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.byID {
		if p.state == PeerConnected {
			n++
		}
	}
	return n
}

// onInbound runs when the transport accepts a connection. We greet first;
// the peer is registered when its own hello arrives.
func (m *Mesh) onInbound(node transport.Node) error {
	m.mu.Lock()
	m.pendingOut[node.Addr()] = node
	m.mu.Unlock()

	hello := protocol.PeerHello{PeerID: m.opts.PeerID, ListenAddr: m.transport.Addr()}
	if err := node.Send(hello); err != nil {
		logger.Sugar.Warnf("[Mesh] failed to greet inbound peer %s: %v", node.Addr(), err)
		return err
	}
	return nil
}

func (m *Mesh) onDisconnect(remoteAddr string) {
	m.mu.Lock()
	p, ok := m.byRemote[remoteAddr]
	var left bool
	var promoted *peer
	if ok {
		p.state = PeerDisconnected
		delete(m.byRemote, remoteAddr)
		// A peer id may span several connections (simultaneous mutual dial).
		// Only the connection that carries the registry entry affects byID:
		// promote a surviving duplicate if one exists, otherwise the peer
		// really left.
		if cur, registered := m.byID[p.id]; registered && cur == p {
			for _, q := range m.byRemote {
				if q.id == p.id && q.state == PeerConnected {
					promoted = q
					break
				}
			}
			if promoted != nil {
				m.byID[p.id] = promoted
			} else {
				delete(m.byID, p.id)
				left = true
			}
		}
	}
	delete(m.pendingOut, remoteAddr)
	m.mu.Unlock()

	if !ok {
		return
	}
	if left || promoted != nil {
		// Requests in flight on the dropped connection will never be
		// answered, even when a duplicate connection survives
		m.pending.failPeer(p.id)
	}
	if promoted != nil {
		logger.Sugar.Infof("[Mesh] peer connection replaced: id=%s dropped=%s now=%s", p.id, remoteAddr, promoted.remoteAddr)
		return
	}
	if left {
		logger.Sugar.Infof("[Mesh] peer left: id=%s remote=%s", p.id, remoteAddr)
		m.peerEvents.Publish(PeerEvent{Type: PeerLeft, PeerID: p.id, ListenAddr: p.listenAddr})
	}
}

func (m *Mesh) loop() {
	defer logger.Sugar.Info("[Mesh] message loop stopped")

	for {
		select {
		case <-m.quitCh:
			return
		case msg, ok := <-m.transport.Consume():
			if !ok {
				return
			}
			if err := m.handleMessage(msg.From, msg); err != nil {
				logger.Sugar.Errorf("[Mesh] handle message failed: from=%s type=%T err=%v", msg.From, msg.Payload, err)
			}
		}
	}
}

func (m *Mesh) handleMessage(from string, msg protocol.RPC) error {
	switch v := msg.Payload.(type) {
	case protocol.PeerHello:
		return m.handleHello(from, v)
	case protocol.Heartbeat:
		m.touchPeer(from)
		return nil
	case protocol.Availability:
		return m.handleAvailability(from, v)
	case protocol.ChunkRequest:
		return m.handleChunkRequest(from, v)
	case protocol.ChunkResponse:
		return m.pending.deliverChunk(m.peerIDByRemote(from), v)
	case protocol.ManifestRequest:
		return m.handleManifestRequest(from, v)
	case protocol.ManifestResponse:
		return m.pending.deliverManifest(m.peerIDByRemote(from), v)
	default:
		return fmt.Errorf("unknown message type received from %s: %T", from, v)
	}
}

func (m *Mesh) handleHello(from string, hello protocol.PeerHello) error {
	m.mu.Lock()
	node, ok := m.pendingOut[from]
	if !ok {
		// Re-hello on an already registered connection: refresh and move on
		if p, exists := m.byRemote[from]; exists {
			p.lastSeen = time.Now()
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		return fmt.Errorf("hello from unknown connection %s", from)
	}
	delete(m.pendingOut, from)

	p := &peer{
		id:         hello.PeerID,
		listenAddr: hello.ListenAddr,
		remoteAddr: from,
		node:       node,
		state:      PeerConnected,
		lastSeen:   time.Now(),
	}
	m.byRemote[from] = p
	if cur, exists := m.byID[hello.PeerID]; exists && cur.state == PeerConnected {
		// Duplicate connection for a peer that is already registered: both
		// sides dialed each other at once. Keep the registered connection;
		// this one stays in byRemote as a standby.
		m.mu.Unlock()
		logger.Sugar.Infof("[Mesh] duplicate connection from peer %s: remote=%s", hello.PeerID, from)
		return nil
	}
	m.byID[hello.PeerID] = p
	m.mu.Unlock()

	logger.Sugar.Infof("[Mesh] peer joined: id=%s listen=%s remote=%s", hello.PeerID, hello.ListenAddr, from)
	m.peerEvents.Publish(PeerEvent{Type: PeerJoined, PeerID: hello.PeerID, ListenAddr: hello.ListenAddr})
	return nil
}

func (m *Mesh) handleAvailability(from string, av protocol.Availability) error {
	m.touchPeer(from)
	m.announceEvents.Publish(AnnounceEvent{
		PeerID:    av.PeerID,
		FileID:    av.FileID,
		Positions: av.Positions,
	})
	return nil
}

// peerIDByRemote resolves the peer id behind a connection, or "" when the
// connection is not registered.
func (m *Mesh) peerIDByRemote(from string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byRemote[from]; ok {
		return p.id
	}
	return ""
}

func (m *Mesh) touchPeer(from string) {
	m.mu.Lock()
	if p, ok := m.byRemote[from]; ok {
		p.lastSeen = time.Now()
	}
	m.mu.Unlock()
}

func (m *Mesh) nodeFor(peerID string) (transport.Node, *peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[peerID]
	if !ok || p.state != PeerConnected {
		return nil, nil, fmt.Errorf("%w: peer %s", ErrPeerUnavailable, peerID)
	}
	return p.node, p, nil
}

func (m *Mesh) heartbeatLoop() {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quitCh:
			return
		case <-ticker.C:
			m.sendHeartbeats()
			m.sweepDeadPeers()
		}
	}
}

func (m *Mesh) sendHeartbeats() {
	hb := protocol.Heartbeat{Timestamp: time.Now().UnixNano()}
	for _, p := range m.snapshotPeers() {
		if err := p.node.Send(hb); err != nil {
			logger.Sugar.Debugf("[Mesh] heartbeat to %s failed: %v", p.id, err)
		}
	}
}

func (m *Mesh) sweepDeadPeers() {
	now := time.Now()
	var dead []*peer

	m.mu.Lock()
	for _, p := range m.byID {
		if now.Sub(p.lastSeen) > m.opts.PeerTimeout {
			dead = append(dead, p)
		}
	}
	m.mu.Unlock()

	for _, p := range dead {
		logger.Sugar.Warnf("[Mesh] peer timed out: id=%s remote=%s", p.id, p.remoteAddr)
		_ = p.node.Close()
		// onDisconnect fires from the transport's read loop and purges state
	}
}

func (m *Mesh) snapshotPeers() []*peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peer, 0, len(m.byID))
	for _, p := range m.byID {
		if p.state == PeerConnected {
			out = append(out, p)
		}
	}
	return out
}
