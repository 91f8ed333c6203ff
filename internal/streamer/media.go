package streamer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"p2pcdn/pkg/logger"
)

// Sink is a media playback target. Ready blocks until the sink can accept
// more data; Push hands it one byte range and returns when the sink has
// taken ownership. Implementations wrap whatever source-buffer or decoder
// API the host application uses.
type Sink interface {
	Ready(ctx context.Context) error
	Push(data []byte) error
}

// playedRange records a range already pushed to the sink, kept briefly so
// observers can report playback position, then pruned.
type playedRange struct {
	position uint32
	size     int64
	pushedAt time.Time
}

// MediaStreamer drives a Sink from a Streamer for long-lived playback.
// Pushes are strictly serialized: the next range is not pushed until the
// sink reports ready again, and already-played ranges older than the
// retention window are pruned so memory stays bounded over hours of
// playback.
type MediaStreamer struct {
	stream    *Streamer
	sink      Sink
	retention time.Duration

	mu          sync.Mutex
	played      []playedRange
	nextPos     uint32 // stream position of the next push, survives pruning
	pushedBytes int64
}

// NewMedia wraps stream so its output feeds sink.
func NewMedia(stream *Streamer, sink Sink, retention time.Duration) *MediaStreamer {
	if retention <= 0 {
		retention = 30 * time.Second
	}
	return &MediaStreamer{
		stream:    stream,
		sink:      sink,
		retention: retention,
	}
}

// Run pumps ordered ranges into the sink until the stream ends or ctx is
// cancelled. It never issues a second push while one is outstanding.
func (ms *MediaStreamer) Run(ctx context.Context) error {
	for {
		data, err := ms.stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if err := ms.sink.Ready(ctx); err != nil {
			return fmt.Errorf("sink not ready: %w", err)
		}
		if err := ms.sink.Push(data); err != nil {
			return fmt.Errorf("sink push failed: %w", err)
		}

		ms.record(int64(len(data)))
	}
}

func (ms *MediaStreamer) record(size int64) {
	now := time.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.played = append(ms.played, playedRange{
		position: ms.nextPos,
		size:     size,
		pushedAt: now,
	})
	ms.nextPos++
	ms.pushedBytes += size

	// Prune ranges older than the retention window
	cutoff := now.Add(-ms.retention)
	firstLive := 0
	for firstLive < len(ms.played) && ms.played[firstLive].pushedAt.Before(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		pruned := make([]playedRange, len(ms.played)-firstLive)
		copy(pruned, ms.played[firstLive:])
		ms.played = pruned
		logger.Sugar.Debugf("[MediaStreamer] pruned %d played ranges", firstLive)
	}
}

// PushedBytes returns the total bytes handed to the sink so far.
func (ms *MediaStreamer) PushedBytes() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.pushedBytes
}

// BufferedRanges returns how many played ranges are currently retained.
func (ms *MediaStreamer) BufferedRanges() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.played)
}
