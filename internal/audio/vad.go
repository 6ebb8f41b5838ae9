package audio

// UtteranceDetector is a simple energy-gated voice activity detector over
// µ-law chunks. An utterance opens after at least minSpeechMs of consecutive
// speech-classified audio and closes once silenceMs of silence follows; the
// accumulated µ-law from the first speech chunk through the closing silence
// is returned whole.
type UtteranceDetector struct {
	energyThreshold int
	minSpeechMs     int
	silenceMs       int

	buf          []byte
	speechRunMs  int
	silenceRunMs int
	open         bool
}

// NewUtteranceDetector creates a detector. energyThreshold is the mean
// absolute PCM16 value a chunk must reach to count as speech.
func NewUtteranceDetector(energyThreshold, minSpeechMs, silenceMs int) *UtteranceDetector {
	return &UtteranceDetector{
		energyThreshold: energyThreshold,
		minSpeechMs:     minSpeechMs,
		silenceMs:       silenceMs,
	}
}

// Feed consumes one µ-law chunk (any size; the carrier delivers 160-byte,
// 20 ms frames) and returns a completed utterance as µ-law, or nil while one
// is still forming. At 8 kHz, one byte is 1/8 ms.
func (d *UtteranceDetector) Feed(mulaw []byte) []byte {
	if len(mulaw) == 0 {
		return nil
	}
	chunkMs := len(mulaw) / 8
	if chunkMs == 0 {
		chunkMs = 1
	}
	isSpeech := MeanAbsEnergy(MulawBufToLinear(mulaw)) >= d.energyThreshold

	if !d.open {
		if isSpeech {
			d.buf = append(d.buf, mulaw...)
			d.speechRunMs += chunkMs
			if d.speechRunMs >= d.minSpeechMs {
				d.open = true
				d.silenceRunMs = 0
			}
		} else {
			// A speech run that never reached minSpeechMs is noise.
			d.buf = nil
			d.speechRunMs = 0
		}
		return nil
	}

	d.buf = append(d.buf, mulaw...)
	if isSpeech {
		d.silenceRunMs = 0
		return nil
	}

	d.silenceRunMs += chunkMs
	if d.silenceRunMs < d.silenceMs {
		return nil
	}

	utterance := d.buf
	d.reset()
	return utterance
}

// Active reports whether an utterance is currently open.
func (d *UtteranceDetector) Active() bool {
	return d.open
}

// Reset discards any partial utterance.
func (d *UtteranceDetector) Reset() {
	d.reset()
}

func (d *UtteranceDetector) reset() {
	d.buf = nil
	d.speechRunMs = 0
	d.silenceRunMs = 0
	d.open = false
}
