package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ross-commits/talk-to-claude/internal/audio"
)

func filledFrame(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestMediaWriterSlicesFrames(t *testing.T) {
	sock := newFakeSocket()
	w := newMediaWriter(sock, 10, testLogger())

	w.Write(filledFrame(0x7E, 400)) // 2.5 carrier frames
	assert.Equal(t, 3, w.pending(), "two full frames plus a partial")

	ctx := context.Background()
	require.True(t, w.tick(ctx))
	require.True(t, w.tick(ctx))
	assert.Equal(t, 2, sock.audioCount())
	for _, frame := range sock.audioSnapshot() {
		assert.Len(t, frame, audio.FrameBytes)
	}

	// The partial never plays on its own; a later write completes it.
	require.True(t, w.tick(ctx))
	assert.Equal(t, 2, sock.audioCount())
	w.Write(filledFrame(0x7E, 80))
	require.True(t, w.tick(ctx))
	assert.Equal(t, 3, sock.audioCount())
	assert.Equal(t, 0, w.pending())
}

func TestMediaWriterClearsPrecedeAudio(t *testing.T) {
	sock := newFakeSocket()
	w := newMediaWriter(sock, 10, testLogger())

	w.Write(filledFrame(0x01, audio.FrameBytes))
	w.Interrupt()
	w.Write(filledFrame(0x02, audio.FrameBytes))

	require.True(t, w.tick(context.Background()))
	assert.Equal(t, []string{"clear", "audio"}, sock.opsSnapshot())
	audioOut := sock.audioSnapshot()
	require.Len(t, audioOut, 1)
	assert.Equal(t, byte(0x02), audioOut[0][0], "interrupted audio must not play")
}

func TestMediaWriterDropsOldestWhenFull(t *testing.T) {
	sock := newFakeSocket()
	w := newMediaWriter(sock, 3, testLogger())

	for b := byte(1); b <= 5; b++ {
		w.Write(filledFrame(b, audio.FrameBytes))
	}
	assert.Equal(t, 3, w.pending())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.True(t, w.tick(ctx))
	}
	out := sock.audioSnapshot()
	require.Len(t, out, 3)
	assert.Equal(t, byte(3), out[0][0])
	assert.Equal(t, byte(4), out[1][0])
	assert.Equal(t, byte(5), out[2][0])
}

func TestMediaWriterInterruptEmitsOneClear(t *testing.T) {
	sock := newFakeSocket()
	w := newMediaWriter(sock, 10, testLogger())

	w.Write(filledFrame(0x01, 3*audio.FrameBytes))
	w.Interrupt()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.True(t, w.tick(ctx))
	}
	assert.Equal(t, 1, sock.clearCount())
	assert.Equal(t, 0, sock.audioCount())
}

func TestMediaWriterRunPacesAndFlushesOnStop(t *testing.T) {
	sock := newFakeSocket()
	w := newMediaWriter(sock, 10, testLogger())
	go w.run(context.Background())

	w.Write(filledFrame(0x05, 2*audio.FrameBytes))
	pollFor(t, 2*time.Second, func() bool { return sock.audioCount() == 2 }, "frames not paced out")

	w.Write(filledFrame(0x06, 100)) // sub-frame tail
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Stop(ctx)

	out := sock.audioSnapshot()
	require.Len(t, out, 3, "stop must flush the partial tail")
	assert.Len(t, out[2], 100)

	// The writer refuses work after stopping.
	w.Write(filledFrame(0x07, audio.FrameBytes))
	assert.Equal(t, 0, w.pending())
}

func TestMediaWriterDrainWaitsForSettle(t *testing.T) {
	sock := newFakeSocket()
	w := newMediaWriter(sock, 10, testLogger())
	go w.run(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		w.Stop(ctx)
	})

	w.Write(filledFrame(0x05, 2*audio.FrameBytes))
	start := time.Now()
	w.Drain(context.Background(), 3*time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, 0, w.pending())
	assert.Equal(t, 2, sock.audioCount())
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond, "drain must wait out the settle window")
	assert.Less(t, elapsed, 1500*time.Millisecond)
}

func TestMediaWriterStopsOnWriteError(t *testing.T) {
	sock := newFakeSocket()
	sock.writeErr = context.DeadlineExceeded
	w := newMediaWriter(sock, 10, testLogger())
	go w.run(context.Background())

	w.Write(filledFrame(0x05, audio.FrameBytes))

	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop after a socket write error")
	}
	assert.Equal(t, 0, sock.audioCount())
}
