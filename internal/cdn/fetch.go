package cdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"p2pcdn/internal/scheduler"
	"p2pcdn/internal/storage"
	"p2pcdn/internal/streamer"
	"p2pcdn/pkg/logger"
	"p2pcdn/pkg/protocol"
)

// Response is a progressively consumable fetch result. Bytes become
// available as chunks arrive; the caller does not wait for the whole file.
type Response struct {
	FileID   string
	Manifest *protocol.Manifest

	stream *streamer.Streamer
	cancel context.CancelFunc

	mu      sync.Mutex
	outcome error
	doneCh  chan struct{}
}

// Next yields the next in-order byte range, io.EOF at end of file.
func (r *Response) Next(ctx context.Context) ([]byte, error) {
	data, err := r.stream.Next(ctx)
	if err == streamer.ErrClosed {
		// The pipeline closed the stream because the fetch failed; surface
		// the real outcome instead of the mechanism.
		if outcome := r.Err(); outcome != nil {
			return nil, outcome
		}
	}
	return data, err
}

// ReadAll drains the stream and returns the complete file bytes.
func (r *Response) ReadAll(ctx context.Context) ([]byte, error) {
	out := make([]byte, 0, r.Manifest.TotalSize)
	for {
		data, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
}

// Cancel stops the fetch cooperatively: no new requests are issued,
// in-flight ones complete or time out with their results discarded, and
// the stream stops yielding immediately.
func (r *Response) Cancel() {
	r.cancel()
	r.stream.Close()
}

// Done is closed once the producing pipeline has finished (either way).
func (r *Response) Done() <-chan struct{} {
	return r.doneCh
}

// Err reports the fetch outcome once the pipeline finished; nil while
// running or on success. Cancellation surfaces as context.Canceled.
func (r *Response) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

func (r *Response) setOutcome(err error) {
	r.mu.Lock()
	r.outcome = err
	r.mu.Unlock()
}

// pinSet tracks storage pins taken for one response so the streamer's
// release callback only ever releases pins this fetch owns.
type pinSet struct {
	store *storage.Store
	mu    sync.Mutex
	count map[string]int
}

func newPinSet(store *storage.Store) *pinSet {
	return &pinSet{store: store, count: make(map[string]int)}
}

func (ps *pinSet) pin(hash string) error {
	if err := ps.store.Pin(hash); err != nil {
		return err
	}
	ps.mu.Lock()
	ps.count[hash]++
	ps.mu.Unlock()
	return nil
}

func (ps *pinSet) release(_ uint32, hash string) {
	ps.mu.Lock()
	owned := ps.count[hash] > 0
	if owned {
		ps.count[hash]--
	}
	ps.mu.Unlock()
	if owned {
		ps.store.Unpin(hash)
	}
}

func (ps *pinSet) releaseAll() {
	ps.mu.Lock()
	counts := ps.count
	ps.count = make(map[string]int)
	ps.mu.Unlock()
	for hash, n := range counts {
		for i := 0; i < n; i++ {
			ps.store.Unpin(hash)
		}
	}
}

// progressState recomputes TransferProgress per chunk arrival.
type progressState struct {
	mu       sync.Mutex
	fileID   string
	total    int64
	chunks   int
	gotBytes int64
	gotCount int
	observer func(TransferProgress)
}

func (p *progressState) observe(size int64) {
	if p.observer == nil {
		return
	}
	p.mu.Lock()
	p.gotBytes += size
	p.gotCount++
	snap := TransferProgress{
		FileID:           p.fileID,
		DownloadedBytes:  p.gotBytes,
		TotalBytes:       p.total,
		DownloadedChunks: p.gotCount,
		TotalChunks:      p.chunks,
		Progress:         float64(p.gotBytes) / float64(p.total),
	}
	p.mu.Unlock()
	p.observer(snap)
}

// Fetch resolves a file into a progressive byte stream. A full local cache
// hit is streamed from storage without touching the mesh; otherwise a
// scheduler fetch supplies the missing chunks while locally held ones are
// fed from the cache.
func (c *CDN) Fetch(ctx context.Context, req Request) (*Response, error) {
	manifest, err := c.resolveManifest(ctx, req)
	if err != nil {
		return nil, err
	}
	c.registerManifest(manifest)

	fetchCtx, cancel := context.WithCancel(ctx)
	pins := newPinSet(c.store)
	stream := streamer.New(manifest, streamer.Options{
		BufferSize:    c.cfg.BufferSize,
		HighWatermark: c.cfg.HighWatermark,
		LowWatermark:  c.cfg.LowWatermark,
		OnRelease:     pins.release,
	})

	resp := &Response{
		FileID:   manifest.FileID,
		Manifest: manifest,
		stream:   stream,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}

	progress := &progressState{
		fileID:   manifest.FileID,
		total:    manifest.TotalSize,
		chunks:   manifest.TotalChunks(),
		observer: req.OnProgress,
	}

	held := make(map[uint32]bool)
	for _, pos := range c.heldPositions(manifest) {
		held[pos] = true
	}
	fullHit := len(held) == manifest.TotalChunks()
	if fullHit {
		logger.Sugar.Infof("[CDN] cache hit: file=%s chunks=%d", manifest.FileID, manifest.TotalChunks())
	}

	g, gctx := errgroup.WithContext(fetchCtx)

	// Locally held chunks stream straight from storage, pinned until the
	// consumer takes them so eviction cannot race an in-progress read.
	g.Go(func() error {
		for pos := 0; pos < manifest.TotalChunks(); pos++ {
			if !held[uint32(pos)] {
				continue
			}
			hash := manifest.Hashes[pos]
			if err := pins.pin(hash); err != nil {
				return fmt.Errorf("failed to pin chunk %d: %w", pos, err)
			}
			data, err := c.store.Get(hash)
			if err != nil {
				return fmt.Errorf("cached chunk %d vanished: %w", pos, err)
			}
			chunk := &protocol.FileChunk{
				FileID:   manifest.FileID,
				Position: uint32(pos),
				Hash:     hash,
				Data:     data,
			}
			if err := stream.Offer(gctx, chunk); err != nil {
				return err
			}
			progress.observe(chunk.Size())
		}
		return nil
	})

	if !fullHit {
		fetch := scheduler.New(manifest, c.mesh, c.avail, c.store, scheduler.Options{
			MaxConcurrent:     c.cfg.MaxConcurrentChunks,
			BlacklistCooldown: c.cfg.BlacklistCooldown,
			DiscoveryWait:     c.cfg.DiscoveryWait,
		}, func(ctx context.Context, chunk *protocol.FileChunk) error {
			if err := stream.Offer(ctx, chunk); err != nil {
				return err
			}
			progress.observe(chunk.Size())
			return nil
		}, func(position uint32) {
			// Opportunistic reseeding: every verified receipt makes this
			// node a source for the chunk
			c.announceFile(manifest)
		})

		c.mu.Lock()
		c.active[manifest.FileID] = fetch
		c.mu.Unlock()

		g.Go(func() error {
			defer func() {
				c.mu.Lock()
				delete(c.active, manifest.FileID)
				c.mu.Unlock()
			}()
			return fetch.Run(gctx)
		})
	}

	go func() {
		err := g.Wait()
		resp.setOutcome(err)
		if err != nil {
			// Unblock any consumer waiting on chunks that will never come
			stream.Close()
			logger.Sugar.Warnf("[CDN] fetch ended with error: file=%s err=%v", manifest.FileID, err)
		}
		pins.releaseAll()
		close(resp.doneCh)
	}()

	return resp, nil
}
