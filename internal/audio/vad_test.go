package audio

import "testing"

// speechFrame returns one 20 ms µ-law frame with a constant loud sample.
func speechFrame() []byte {
	loud := LinearToMulaw(4000)
	frame := make([]byte, FrameBytes)
	for i := range frame {
		frame[i] = loud
	}
	return frame
}

// silenceFrame returns one 20 ms µ-law frame of digital silence.
func silenceFrame() []byte {
	frame := make([]byte, FrameBytes)
	for i := range frame {
		frame[i] = 0xFF
	}
	return frame
}

func feedFrames(t *testing.T, d *UtteranceDetector, frame []byte, n int) []byte {
	t.Helper()
	for i := 0; i < n; i++ {
		if utt := d.Feed(frame); utt != nil {
			return utt
		}
	}
	return nil
}

func TestUtteranceDetectorHappyPath(t *testing.T) {
	d := NewUtteranceDetector(500, 300, 800)

	// 400 ms of speech (20 frames), then 800 ms of silence (40 frames).
	if utt := feedFrames(t, d, speechFrame(), 20); utt != nil {
		t.Fatal("utterance should not complete during speech")
	}
	if !d.Active() {
		t.Fatal("detector should be open after 400 ms of speech")
	}

	var utt []byte
	for i := 0; i < 40; i++ {
		utt = d.Feed(silenceFrame())
		if utt != nil {
			if i != 39 {
				t.Fatalf("utterance completed after %d silence frames, want 40", i+1)
			}
			break
		}
	}
	if utt == nil {
		t.Fatal("utterance should complete after 800 ms of silence")
	}

	// 20 speech + 40 silence frames accumulated.
	if len(utt) != 60*FrameBytes {
		t.Errorf("utterance length = %d, want %d", len(utt), 60*FrameBytes)
	}
	if d.Active() {
		t.Error("detector should reset after emitting an utterance")
	}
}

func TestUtteranceDetectorShortNoiseDiscarded(t *testing.T) {
	d := NewUtteranceDetector(500, 300, 800)

	// 200 ms of speech does not reach MIN_SPEECH, then silence.
	if utt := feedFrames(t, d, speechFrame(), 10); utt != nil {
		t.Fatal("no utterance expected")
	}
	if d.Active() {
		t.Fatal("detector should not open below the speech minimum")
	}
	if utt := feedFrames(t, d, silenceFrame(), 50); utt != nil {
		t.Fatal("noise blip must not produce an utterance")
	}
}

func TestUtteranceDetectorSpeechResetsSilence(t *testing.T) {
	d := NewUtteranceDetector(500, 300, 800)

	feedFrames(t, d, speechFrame(), 20) // open
	feedFrames(t, d, silenceFrame(), 30) // 600 ms, below threshold
	feedFrames(t, d, speechFrame(), 5)  // user resumes

	// The silence clock restarted: 39 more silence frames stay short of 800 ms.
	if utt := feedFrames(t, d, silenceFrame(), 39); utt != nil {
		t.Fatal("silence run should have been reset by resumed speech")
	}
	if utt := d.Feed(silenceFrame()); utt == nil {
		t.Fatal("40th silence frame should close the utterance")
	}
}

func TestUtteranceDetectorReset(t *testing.T) {
	d := NewUtteranceDetector(500, 300, 800)
	feedFrames(t, d, speechFrame(), 20)
	d.Reset()
	if d.Active() {
		t.Error("Reset should close the detector")
	}
	if utt := feedFrames(t, d, silenceFrame(), 60); utt != nil {
		t.Error("no utterance after Reset")
	}
}

func TestUtteranceDetectorEmptyChunk(t *testing.T) {
	d := NewUtteranceDetector(500, 300, 800)
	if utt := d.Feed(nil); utt != nil {
		t.Error("empty chunk should be a no-op")
	}
}
