package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"p2pcdn/internal/codec"
	"p2pcdn/internal/storage"
	"p2pcdn/internal/tracker"
	"p2pcdn/pkg/logger"
	"p2pcdn/pkg/protocol"
)

// ErrFetchFailed reports a fetch that ran out of candidate peers for at
// least one required position within the bounded discovery wait. Partial
// availability is surfaced, never silently dropped.
var ErrFetchFailed = errors.New("fetch failed: no remaining peers for required chunks")

// State is the lifecycle of one fetch.
type State int

const (
	StateResolvingManifest State = iota
	StateFetching
	StateComplete
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateResolvingManifest:
		return "resolving-manifest"
	case StateFetching:
		return "fetching"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ChunkRequester is the slice of the mesh the scheduler needs: issue one
// chunk request and report peer load for the tracker tie-break.
type ChunkRequester interface {
	RequestChunk(ctx context.Context, peerID, fileID string, position uint32, hash string) (*protocol.FileChunk, error)
	PeerLoad(peerID string) (int, time.Duration, bool)
}

// Options tunes a fetch.
type Options struct {
	// MaxConcurrent bounds in-flight chunk requests per fetch.
	MaxConcurrent int
	// BlacklistCooldown keeps a failed (peer, position) pair off the
	// candidate list long enough to prefer other sources.
	BlacklistCooldown time.Duration
	// DiscoveryWait bounds how long a stalled fetch waits for new peer
	// announcements before failing.
	DiscoveryWait time.Duration
}

// Fetch drives one file download: it computes the missing positions,
// requests them rarest-first from the least loaded holders, verifies and
// stores every arrival, and emits verified chunks to the consumer.
type Fetch struct {
	manifest *protocol.Manifest
	mesh     ChunkRequester
	avail    *tracker.Tracker
	store    *storage.Store
	opts     Options

	// emit hands a verified chunk downstream (the streamer). It may block;
	// that is the backpressure path, and it suspends request issuing too.
	emit func(ctx context.Context, chunk *protocol.FileChunk) error
	// onStored fires after a verified chunk lands in storage, used for
	// opportunistic reseeding announcements.
	onStored func(position uint32)

	mu        sync.Mutex
	state     State
	blacklist map[string]time.Time // "peer:pos" -> cooldown expiry
}

type result struct {
	position uint32
	peerID   string
	chunk    *protocol.FileChunk
	err      error
}

// New prepares a fetch in StateResolvingManifest. The caller resolves the
// manifest first and then calls Run.
func New(manifest *protocol.Manifest, mesh ChunkRequester, avail *tracker.Tracker, store *storage.Store, opts Options,
	emit func(ctx context.Context, chunk *protocol.FileChunk) error, onStored func(position uint32)) *Fetch {

	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.BlacklistCooldown <= 0 {
		opts.BlacklistCooldown = 10 * time.Second
	}
	if opts.DiscoveryWait <= 0 {
		opts.DiscoveryWait = 20 * time.Second
	}
	return &Fetch{
		manifest:  manifest,
		mesh:      mesh,
		avail:     avail,
		store:     store,
		opts:      opts,
		emit:      emit,
		onStored:  onStored,
		state:     StateResolvingManifest,
		blacklist: make(map[string]time.Time),
	}
}

// State returns the fetch's current lifecycle state.
func (f *Fetch) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fetch) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Run executes the fetch until every missing position is satisfied,
// the context is cancelled, or sources are exhausted. Chunks already in
// local storage are never requested from the mesh.
func (f *Fetch) Run(ctx context.Context) error {
	f.setState(StateFetching)

	pending := make(map[uint32]bool)
	for pos := 0; pos < f.manifest.TotalChunks(); pos++ {
		if !f.store.Has(f.manifest.Hashes[pos]) {
			pending[uint32(pos)] = true
		}
	}
	logger.Sugar.Infof("[Scheduler] fetch start: file=%s missing=%d/%d", f.manifest.FileID, len(pending), f.manifest.TotalChunks())

	inflight := make(map[uint32]bool)
	// Buffered so late results of a cancelled fetch never leak goroutines
	results := make(chan result, f.opts.MaxConcurrent)
	stalledSince := time.Time{}

	for len(pending) > 0 || len(inflight) > 0 {
		if err := ctx.Err(); err != nil {
			f.setState(StateCancelled)
			return err
		}

		issued := f.issueRequests(ctx, pending, inflight, results)

		if len(inflight) == 0 {
			// Nothing running and nothing issuable: bounded wait for the
			// mesh to announce a new source before declaring failure.
			if issued {
				stalledSince = time.Time{}
				continue
			}
			if stalledSince.IsZero() {
				stalledSince = time.Now()
			}
			if time.Since(stalledSince) >= f.opts.DiscoveryWait {
				f.setState(StateFailed)
				return fmt.Errorf("%w: file=%s positions=%v", ErrFetchFailed, f.manifest.FileID, sortedPositions(pending))
			}
			select {
			case <-ctx.Done():
				f.setState(StateCancelled)
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		stalledSince = time.Time{}

		select {
		case <-ctx.Done():
			f.setState(StateCancelled)
			return ctx.Err()
		case r := <-results:
			delete(inflight, r.position)
			if r.err != nil {
				logger.Sugar.Warnf("[Scheduler] chunk attempt failed: file=%s pos=%d peer=%s err=%v", f.manifest.FileID, r.position, r.peerID, r.err)
				f.blacklistPair(r.peerID, r.position)
				pending[r.position] = true
				continue
			}
			if err := f.accept(ctx, r.chunk); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					f.setState(StateCancelled)
					return err
				}
				if errors.Is(err, storage.ErrStorageFull) {
					f.setState(StateFailed)
					return err
				}
				// Integrity failure: discard, blame the peer, retry elsewhere
				logger.Sugar.Warnf("[Scheduler] chunk rejected: file=%s pos=%d peer=%s err=%v", f.manifest.FileID, r.position, r.peerID, err)
				f.blacklistPair(r.peerID, r.position)
				pending[r.position] = true
			}
		}
	}

	f.setState(StateComplete)
	logger.Sugar.Infof("[Scheduler] fetch complete: file=%s chunks=%d", f.manifest.FileID, f.manifest.TotalChunks())
	return nil
}

// issueRequests starts requests for as many pending positions as the
// concurrency bound allows, rarest positions first. Returns whether any
// request was issued.
func (f *Fetch) issueRequests(ctx context.Context, pending, inflight map[uint32]bool, results chan<- result) bool {
	if len(inflight) >= f.opts.MaxConcurrent {
		return false
	}

	// Rarest-first: positions with the fewest known holders go first, so
	// the fetch is least likely to stall when a lone source disconnects.
	order := sortedPositions(pending)
	sort.SliceStable(order, func(i, j int) bool {
		return f.avail.SourceCount(f.manifest.FileID, order[i]) < f.avail.SourceCount(f.manifest.FileID, order[j])
	})

	issued := false
	for _, pos := range order {
		if len(inflight) >= f.opts.MaxConcurrent {
			break
		}
		peerID, ok := f.avail.PickPeer(f.manifest.FileID, pos, f.mesh.PeerLoad, f.isBlacklisted(pos))
		if !ok {
			continue
		}

		delete(pending, pos)
		inflight[pos] = true
		issued = true

		go func(pos uint32, peerID string) {
			chunk, err := f.mesh.RequestChunk(ctx, peerID, f.manifest.FileID, pos, f.manifest.Hashes[pos])
			results <- result{position: pos, peerID: peerID, chunk: chunk, err: err}
		}(pos, peerID)
	}
	return issued
}

// accept verifies an arrived chunk, writes it to storage, and emits it.
func (f *Fetch) accept(ctx context.Context, chunk *protocol.FileChunk) error {
	if err := codec.VerifyChunk(f.manifest, chunk); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrIntegrityViolation, err)
	}
	if err := f.store.Put(chunk.Hash, chunk.Data); err != nil {
		return err
	}
	if f.onStored != nil {
		f.onStored(chunk.Position)
	}
	if f.emit != nil {
		if err := f.emit(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetch) blacklistPair(peerID string, position uint32) {
	f.mu.Lock()
	f.blacklist[fmt.Sprintf("%s:%d", peerID, position)] = time.Now().Add(f.opts.BlacklistCooldown)
	f.mu.Unlock()
}

// isBlacklisted returns a skip predicate for PickPeer over one position.
func (f *Fetch) isBlacklisted(position uint32) func(peerID string) bool {
	return func(peerID string) bool {
		key := fmt.Sprintf("%s:%d", peerID, position)
		f.mu.Lock()
		defer f.mu.Unlock()
		expiry, ok := f.blacklist[key]
		if !ok {
			return false
		}
		if time.Now().After(expiry) {
			delete(f.blacklist, key)
			return false
		}
		return true
	}
}

func sortedPositions(set map[uint32]bool) []uint32 {
	out := make([]uint32, 0, len(set))
	for pos := range set {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
