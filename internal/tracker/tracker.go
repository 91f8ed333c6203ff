package tracker

import (
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"

	"p2pcdn/pkg/logger"
)

// PeerLoad reports the live load of a peer: its current in-flight request
// count and estimated round-trip latency. Supplied by the mesh so the
// tracker never owns peer lifecycle.
type PeerLoad func(peerID string) (inflight int, latency time.Duration, known bool)

// Tracker caches which chunks each peer is known to hold, keyed by manifest
// position. It is a cache of announcements, not a guarantee: a peer may
// still fail to deliver a chunk it announced.
type Tracker struct {
	mu    sync.RWMutex
	avail map[string]map[string]bitmap.Bitmap // fileID -> peerID -> position bitset
}

func New() *Tracker {
	return &Tracker{
		avail: make(map[string]map[string]bitmap.Bitmap),
	}
}

// Announce records a full availability snapshot for (peerID, fileID).
// Snapshots replace any previous announcement so stale positions cannot
// accumulate. An empty snapshot clears the peer's record for the file.
func (t *Tracker) Announce(peerID, fileID string, positions []uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(positions) == 0 {
		if peers, ok := t.avail[fileID]; ok {
			delete(peers, peerID)
			if len(peers) == 0 {
				delete(t.avail, fileID)
			}
		}
		return
	}

	max := uint32(0)
	for _, pos := range positions {
		if pos > max {
			max = pos
		}
	}
	bm := bitmap.New(int(max) + 1)
	for _, pos := range positions {
		bm.Set(int(pos), true)
	}

	peers, ok := t.avail[fileID]
	if !ok {
		peers = make(map[string]bitmap.Bitmap)
		t.avail[fileID] = peers
	}
	peers[peerID] = bm
	logger.Sugar.Debugf("[Tracker] announce: peer=%s file=%s positions=%d", peerID, fileID, len(positions))
}

// PeersFor returns the peers known to hold the chunk at position.
func (t *Tracker) PeersFor(fileID string, position uint32) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for peerID, bm := range t.avail[fileID] {
		if int(position) < bm.Len() && bm.Get(int(position)) {
			out = append(out, peerID)
		}
	}
	return out
}

// SourceCount returns how many peers are known to hold position. The
// scheduler fetches the rarest positions first.
func (t *Tracker) SourceCount(fileID string, position uint32) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, bm := range t.avail[fileID] {
		if int(position) < bm.Len() && bm.Get(int(position)) {
			count++
		}
	}
	return count
}

// PickPeer chooses a source for (fileID, position) among announced holders,
// skipping any peer for which skip returns true. Tie-break: fewest in-flight
// requests first, then lowest estimated latency, spreading load so no single
// peer is starved.
func (t *Tracker) PickPeer(fileID string, position uint32, load PeerLoad, skip func(peerID string) bool) (string, bool) {
	candidates := t.PeersFor(fileID, position)

	best := ""
	bestInflight := 0
	bestLatency := time.Duration(0)
	for _, peerID := range candidates {
		if skip != nil && skip(peerID) {
			continue
		}
		inflight, latency, known := load(peerID)
		if !known {
			continue
		}
		if best == "" ||
			inflight < bestInflight ||
			(inflight == bestInflight && latency < bestLatency) {
			best = peerID
			bestInflight = inflight
			bestLatency = latency
		}
	}
	return best, best != ""
}

// RemovePeer purges every availability record for peerID immediately.
// Called on disconnect so the scheduler stops routing to dead peers.
func (t *Tracker) RemovePeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for fileID, peers := range t.avail {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(t.avail, fileID)
		}
	}
	logger.Sugar.Debugf("[Tracker] purged peer %s", peerID)
}

// Holders returns every peer with at least one announced position for
// fileID. Used to pick candidates for manifest resolution.
func (t *Tracker) Holders(fileID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.avail[fileID]))
	for peerID := range t.avail[fileID] {
		out = append(out, peerID)
	}
	return out
}

// Files returns the set of file ids with at least one known holder.
func (t *Tracker) Files() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.avail))
	for fileID := range t.avail {
		out = append(out, fileID)
	}
	return out
}
