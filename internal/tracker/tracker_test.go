package tracker

import (
	"sort"
	"testing"
	"time"
)

func sorted(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func TestAnnouncePeersFor(t *testing.T) {
	tr := New()
	tr.Announce("peer-a", "file-1", []uint32{0, 2, 4})
	tr.Announce("peer-b", "file-1", []uint32{2, 3})

	got := sorted(tr.PeersFor("file-1", 2))
	if len(got) != 2 || got[0] != "peer-a" || got[1] != "peer-b" {
		t.Fatalf("unexpected peers for position 2: %v", got)
	}

	if peers := tr.PeersFor("file-1", 1); len(peers) != 0 {
		t.Fatalf("position 1 should have no holders, got %v", peers)
	}
	if peers := tr.PeersFor("file-2", 0); len(peers) != 0 {
		t.Fatalf("unknown file should have no holders, got %v", peers)
	}
}

func TestAnnounceReplacesSnapshot(t *testing.T) {
	tr := New()
	tr.Announce("peer-a", "file-1", []uint32{0, 1, 2})
	tr.Announce("peer-a", "file-1", []uint32{3})

	if peers := tr.PeersFor("file-1", 0); len(peers) != 0 {
		t.Fatalf("stale position survived snapshot replacement: %v", peers)
	}
	if peers := tr.PeersFor("file-1", 3); len(peers) != 1 {
		t.Fatalf("new snapshot position missing: %v", peers)
	}
}

func TestRemovePeerPurgesAllPositions(t *testing.T) {
	tr := New()
	positions := []uint32{0, 1, 2, 3, 4, 5}
	tr.Announce("peer-a", "file-1", positions)
	tr.Announce("peer-a", "file-2", positions)
	tr.Announce("peer-b", "file-1", []uint32{0})

	tr.RemovePeer("peer-a")

	for _, pos := range positions {
		for _, fileID := range []string{"file-1", "file-2"} {
			for _, peer := range tr.PeersFor(fileID, pos) {
				if peer == "peer-a" {
					t.Fatalf("disconnected peer still announced for %s position %d", fileID, pos)
				}
			}
		}
	}
	if peers := tr.PeersFor("file-1", 0); len(peers) != 1 || peers[0] != "peer-b" {
		t.Fatalf("unrelated peer was purged: %v", peers)
	}
}

func TestSourceCount(t *testing.T) {
	tr := New()
	tr.Announce("peer-a", "file-1", []uint32{0, 1})
	tr.Announce("peer-b", "file-1", []uint32{1})
	tr.Announce("peer-c", "file-1", []uint32{1})

	if n := tr.SourceCount("file-1", 0); n != 1 {
		t.Fatalf("expected 1 source for position 0, got %d", n)
	}
	if n := tr.SourceCount("file-1", 1); n != 3 {
		t.Fatalf("expected 3 sources for position 1, got %d", n)
	}
	if n := tr.SourceCount("file-1", 9); n != 0 {
		t.Fatalf("expected 0 sources for unannounced position, got %d", n)
	}
}

func TestPickPeerPrefersFewestInflightThenLatency(t *testing.T) {
	tr := New()
	tr.Announce("busy", "file-1", []uint32{0})
	tr.Announce("slow", "file-1", []uint32{0})
	tr.Announce("fast", "file-1", []uint32{0})

	load := func(peerID string) (int, time.Duration, bool) {
		switch peerID {
		case "busy":
			return 5, 10 * time.Millisecond, true
		case "slow":
			return 1, 200 * time.Millisecond, true
		case "fast":
			return 1, 20 * time.Millisecond, true
		default:
			return 0, 0, false
		}
	}

	peer, ok := tr.PickPeer("file-1", 0, load, nil)
	if !ok {
		t.Fatal("PickPeer found no candidate")
	}
	if peer != "fast" {
		t.Fatalf("expected 'fast' (fewest in-flight, lowest latency), got %q", peer)
	}
}

func TestPickPeerHonorsSkip(t *testing.T) {
	tr := New()
	tr.Announce("only", "file-1", []uint32{0})

	load := func(string) (int, time.Duration, bool) { return 0, 0, true }
	skip := func(peerID string) bool { return peerID == "only" }

	if _, ok := tr.PickPeer("file-1", 0, load, skip); ok {
		t.Fatal("PickPeer returned a skipped peer")
	}
}

func TestHolders(t *testing.T) {
	tr := New()
	tr.Announce("peer-a", "file-1", []uint32{0})
	tr.Announce("peer-b", "file-1", []uint32{5})

	got := sorted(tr.Holders("file-1"))
	if len(got) != 2 || got[0] != "peer-a" || got[1] != "peer-b" {
		t.Fatalf("unexpected holders: %v", got)
	}
}
