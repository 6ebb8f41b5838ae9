package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ross-commits/talk-to-claude/internal/audio"
	"github.com/ross-commits/talk-to-claude/internal/domain"
)

// frameInterval is the real-time pacing of carrier media: one 160-byte
// mu-law frame every 20ms.
const frameInterval = 20 * time.Millisecond

// drainIdle is how long the outbound queue must stay empty before a drain
// is considered settled. Bursty synthesis can empty the queue between
// chunks; a bare length check would hang up mid-sentence.
const drainIdle = 500 * time.Millisecond

// mediaWriter is the only goroutine that writes to the media socket. Voice
// backends enqueue PCM-derived mu-law at whatever rate synthesis produces
// it; the writer meters it out at the carrier's real-time cadence. Clears
// are control messages and always preempt queued audio within one tick.
type mediaWriter struct {
	sock      domain.MediaSocket
	logger    *slog.Logger
	maxFrames int

	mu          sync.Mutex
	frames      [][]byte
	partial     []byte
	clears      int
	stopped     bool
	lastEnqueue time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newMediaWriter(sock domain.MediaSocket, maxFrames int, logger *slog.Logger) *mediaWriter {
	if maxFrames <= 0 {
		maxFrames = 100
	}
	return &mediaWriter{
		sock:      sock,
		logger:    logger,
		maxFrames: maxFrames,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// run paces the queue until the context ends, Stop is called, or the socket
// dies. It owns all writes to the socket.
func (w *mediaWriter) run(ctx context.Context) {
	defer close(w.done)
	defer w.markStopped()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			w.flushFinal(ctx)
			return
		case <-ticker.C:
			if !w.tick(ctx) {
				return
			}
		}
	}
}

// tick emits all pending clears, then at most one audio frame.
func (w *mediaWriter) tick(ctx context.Context) bool {
	clears, frame := w.take()
	for i := 0; i < clears; i++ {
		if err := w.sock.WriteClear(ctx); err != nil {
			w.logger.Debug("media writer stopping: clear failed", "error", err)
			return false
		}
	}
	if frame == nil {
		return true
	}
	if err := w.sock.WriteAudio(ctx, frame); err != nil {
		w.logger.Debug("media writer stopping: write failed", "error", err)
		return false
	}
	return true
}

func (w *mediaWriter) take() (int, []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	clears := w.clears
	w.clears = 0
	var frame []byte
	if len(w.frames) > 0 {
		frame = w.frames[0]
		w.frames = w.frames[1:]
	}
	return clears, frame
}

// Write slices mulaw into carrier frames and enqueues them. When the queue
// is full the oldest audio is dropped; clears are never dropped.
func (w *mediaWriter) Write(mulaw []byte) {
	if len(mulaw) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.partial = append(w.partial, mulaw...)
	for len(w.partial) >= audio.FrameBytes {
		frame := make([]byte, audio.FrameBytes)
		copy(frame, w.partial[:audio.FrameBytes])
		w.partial = w.partial[audio.FrameBytes:]
		if len(w.frames) >= w.maxFrames {
			w.frames = w.frames[1:]
			w.logger.Debug("outbound audio queue full, dropping oldest frame")
		}
		w.frames = append(w.frames, frame)
	}
	w.lastEnqueue = time.Now()
}

// Interrupt discards everything queued and schedules exactly one clear so
// the carrier flushes its own buffered playback.
func (w *mediaWriter) Interrupt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.frames = nil
	w.partial = nil
	w.clears++
	w.lastEnqueue = time.Now()
}

func (w *mediaWriter) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.frames) + w.clears
	if len(w.partial) > 0 {
		n++
	}
	return n
}

func (w *mediaWriter) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastEnqueue
}

// Drain waits until queued audio has played out and no new audio has
// arrived for drainIdle, capped at limit.
func (w *mediaWriter) Drain(ctx context.Context, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if w.pending() == 0 && time.Since(w.idleSince()) >= drainIdle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-time.After(frameInterval):
		}
	}
	w.logger.Debug("drain limit reached with audio still queued", "frames", w.pending())
}

// Stop ends the pacing loop, flushing any sub-frame tail first. Safe to
// call more than once.
func (w *mediaWriter) Stop(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.done:
	case <-ctx.Done():
	}
}

func (w *mediaWriter) markStopped() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

// flushFinal runs on graceful stop: pending clears go out, a sub-frame tail
// is written as-is, and any frames left beyond that are dropped.
func (w *mediaWriter) flushFinal(ctx context.Context) {
	w.mu.Lock()
	clears := w.clears
	tail := w.partial
	dropped := len(w.frames)
	w.clears = 0
	w.partial = nil
	w.frames = nil
	w.mu.Unlock()

	for i := 0; i < clears; i++ {
		if err := w.sock.WriteClear(ctx); err != nil {
			return
		}
	}
	if len(tail) > 0 {
		_ = w.sock.WriteAudio(ctx, tail)
	}
	if dropped > 0 {
		w.logger.Debug("discarding queued audio on stop", "frames", dropped)
	}
}
