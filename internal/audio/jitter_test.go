package audio

import "testing"

func TestJitterBufferPrimes(t *testing.T) {
	jb := NewJitterBuffer(100, 1000)

	// 60 ms buffered: below the 100 ms prime level, nothing plays.
	jb.Write(make([]byte, 480))
	if frame := jb.ReadFrame(); frame != nil {
		t.Fatal("frame released before priming")
	}

	// 40 ms more crosses the prime level.
	jb.Write(make([]byte, 320))
	frames := 0
	for jb.ReadFrame() != nil {
		frames++
	}
	if frames != 5 { // 800 bytes / 160
		t.Errorf("drained %d frames, want 5", frames)
	}
}

func TestJitterBufferStaysPrimed(t *testing.T) {
	jb := NewJitterBuffer(100, 1000)
	jb.Write(make([]byte, 800))
	for jb.ReadFrame() != nil {
	}

	// Once primed, later audio plays without re-buffering 100 ms.
	jb.Write(make([]byte, 160))
	if frame := jb.ReadFrame(); frame == nil {
		t.Fatal("primed buffer should release a full frame immediately")
	}
}

func TestJitterBufferFlushTail(t *testing.T) {
	jb := NewJitterBuffer(100, 1000)
	jb.Write(make([]byte, 200)) // below prime

	chunks := jb.Flush()
	if len(chunks) != 2 {
		t.Fatalf("flush returned %d chunks, want 2", len(chunks))
	}
	if len(chunks[0]) != 160 {
		t.Errorf("first chunk = %d bytes, want 160", len(chunks[0]))
	}
	if len(chunks[1]) != 40 {
		t.Errorf("tail chunk = %d bytes, want 40", len(chunks[1]))
	}
	if jb.Len() != 0 {
		t.Errorf("Len after Flush = %d, want 0", jb.Len())
	}
}

func TestJitterBufferClear(t *testing.T) {
	jb := NewJitterBuffer(100, 1000)
	jb.Write(make([]byte, 900))
	jb.Clear()

	if jb.Len() != 0 {
		t.Errorf("Len after Clear = %d", jb.Len())
	}
	// Priming is required again after Clear.
	jb.Write(make([]byte, 160))
	if frame := jb.ReadFrame(); frame != nil {
		t.Error("buffer should need re-priming after Clear")
	}
}

func TestJitterBufferPartialFrameHeld(t *testing.T) {
	jb := NewJitterBuffer(100, 1000)
	jb.Write(make([]byte, 800+100)) // primed plus a 100-byte tail

	frames := 0
	for jb.ReadFrame() != nil {
		frames++
	}
	if frames != 5 {
		t.Errorf("drained %d frames, want 5", frames)
	}
	if jb.Len() != 100 {
		t.Errorf("tail = %d bytes, want 100 held for more audio", jb.Len())
	}
}
