package audio

// JitterBuffer smooths bursty TTS output into steady 20 ms carrier frames.
// Playback is withheld until primeMs of audio has accumulated, then drained
// in FrameBytes units; a short tail is released only by Flush at end of
// stream.
type JitterBuffer struct {
	ring   *RingBuffer
	primed bool
	prime  int
}

// NewJitterBuffer creates a jitter buffer priming at primeMs milliseconds of
// µ-law (8 bytes per ms at 8 kHz). maxMs bounds the backlog; beyond it the
// oldest audio is overwritten.
func NewJitterBuffer(primeMs, maxMs int) *JitterBuffer {
	if primeMs <= 0 {
		primeMs = 100
	}
	if maxMs < primeMs {
		maxMs = primeMs * 100
	}
	return &JitterBuffer{
		ring:  NewRingBuffer(maxMs * 8),
		prime: primeMs * 8,
	}
}

// Write adds µ-law bytes to the buffer.
func (j *JitterBuffer) Write(mulaw []byte) {
	j.ring.Write(mulaw)
	if !j.primed && j.ring.Len() >= j.prime {
		j.primed = true
	}
}

// ReadFrame returns the next full frame once the buffer is primed, or nil
// when not primed or no full frame is buffered.
func (j *JitterBuffer) ReadFrame() []byte {
	if !j.primed || j.ring.Len() < FrameBytes {
		return nil
	}
	return j.ring.Read(FrameBytes)
}

// Flush drains everything left, in frame-sized units with a possibly short
// final chunk, regardless of priming.
func (j *JitterBuffer) Flush() [][]byte {
	var out [][]byte
	for j.ring.Len() > 0 {
		out = append(out, j.ring.Read(FrameBytes))
	}
	j.primed = false
	return out
}

// Len returns buffered bytes.
func (j *JitterBuffer) Len() int {
	return j.ring.Len()
}

// Clear empties the buffer and resets priming, for barge-in.
func (j *JitterBuffer) Clear() {
	j.ring.Clear()
	j.primed = false
}
