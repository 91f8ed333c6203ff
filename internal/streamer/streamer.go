package streamer

import (
	"context"
	"errors"
	"io"
	"sync"

	"p2pcdn/pkg/logger"
	"p2pcdn/pkg/protocol"
)

// ErrClosed reports an operation on a streamer that was cancelled or
// closed before the stream completed.
var ErrClosed = errors.New("streamer closed")

// Options bounds the streamer's memory use.
type Options struct {
	// BufferSize is the byte budget for buffered-but-unconsumed data.
	// Buffered bytes never exceed BufferSize plus one chunk.
	BufferSize int64
	// HighWatermark is the fill level at which producers suspend.
	// Defaults to the full BufferSize.
	HighWatermark int64
	// LowWatermark is the drain level at which suspended producers resume.
	// Defaults to HighWatermark/4.
	LowWatermark int64
	// OnRelease, when set, is invoked once per chunk after its bytes have
	// been handed to the consumer (or on Close for unconsumed chunks).
	// The cache-hit path uses it to release storage pins.
	OnRelease func(position uint32, hash string)
}

// Streamer turns an unordered arrival of verified chunks into a strict
// position-ordered byte stream. Out-of-order arrivals are held until the
// gap before them fills; producers are suspended while the held bytes
// exceed the high watermark (backpressure).
type Streamer struct {
	manifest *protocol.Manifest
	opts     Options

	mu       sync.Mutex
	notEmpty *sync.Cond // consumer waits: next contiguous chunk not here
	drained  *sync.Cond // producer waits: buffer over budget

	held     map[uint32]*protocol.FileChunk
	next     uint32 // next position the consumer will receive
	buffered int64  // bytes held but not yet consumed
	paused   bool   // producer gate, hysteresis between watermarks
	closed   bool
}

// New builds a streamer for one manifest.
func New(manifest *protocol.Manifest, opts Options) *Streamer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16 * 1024 * 1024
	}
	if opts.HighWatermark <= 0 || opts.HighWatermark > opts.BufferSize {
		opts.HighWatermark = opts.BufferSize
	}
	if opts.LowWatermark <= 0 || opts.LowWatermark > opts.HighWatermark {
		opts.LowWatermark = opts.HighWatermark / 4
	}

	s := &Streamer{
		manifest: manifest,
		opts:     opts,
		held:     make(map[uint32]*protocol.FileChunk),
	}
	s.notEmpty = sync.NewCond(&s.mu)
	s.drained = sync.NewCond(&s.mu)
	return s
}

// Offer hands a verified chunk to the streamer. It blocks while the buffer
// is over the high watermark and resumes once the consumer drains below the
// low watermark. Duplicate positions are dropped. Returns ErrClosed after
// Close, or ctx.Err on cancellation.
func (s *Streamer) Offer(ctx context.Context, chunk *protocol.FileChunk) error {
	// Wake the producer gate if ctx dies while we are suspended
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.drained.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.buffered+chunk.Size() > s.opts.HighWatermark {
			s.paused = true
		}
		// The chunk the consumer is blocked on is always admitted, so a
		// full buffer of out-of-order arrivals can never deadlock the
		// stream. Bound stays the high watermark plus one chunk.
		if !s.paused || chunk.Position == s.next {
			break
		}
		s.drained.Wait()
	}

	if chunk.Position < s.next {
		// Already emitted, late duplicate
		return nil
	}
	if _, dup := s.held[chunk.Position]; dup {
		return nil
	}

	s.held[chunk.Position] = chunk
	s.buffered += chunk.Size()
	if chunk.Position == s.next {
		s.notEmpty.Broadcast()
	}
	return nil
}

// Next yields the next in-order byte range. It blocks only while the next
// required chunk has not arrived, returns io.EOF once every position has
// been emitted, and ctx.Err/ErrClosed on cancellation.
func (s *Streamer) Next(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.notEmpty.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if int(s.next) >= s.manifest.TotalChunks() {
			return nil, io.EOF
		}
		if s.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if chunk, ok := s.held[s.next]; ok {
			delete(s.held, s.next)
			s.next++
			s.buffered -= chunk.Size()
			if s.paused && s.buffered <= s.opts.LowWatermark {
				s.paused = false
				s.drained.Broadcast()
			}
			s.mu.Unlock()
			if s.opts.OnRelease != nil {
				s.opts.OnRelease(chunk.Position, chunk.Hash)
			}
			s.mu.Lock()
			return chunk.Data, nil
		}
		s.notEmpty.Wait()
	}
}

// Buffered returns the current buffered-but-unconsumed byte count.
func (s *Streamer) Buffered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// Done reports whether every position has been handed to the consumer.
func (s *Streamer) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.next) >= s.manifest.TotalChunks()
}

// Close stops the stream immediately, releases held chunks, and unblocks
// both producers and consumers. Safe to call more than once.
func (s *Streamer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	held := s.held
	s.held = make(map[uint32]*protocol.FileChunk)
	s.buffered = 0
	s.notEmpty.Broadcast()
	s.drained.Broadcast()
	s.mu.Unlock()

	if s.opts.OnRelease != nil {
		for _, chunk := range held {
			s.opts.OnRelease(chunk.Position, chunk.Hash)
		}
	}
	logger.Sugar.Debugf("[Streamer] closed: file=%s emitted=%d/%d", s.manifest.FileID, s.next, s.manifest.TotalChunks())
}
