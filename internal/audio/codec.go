// Package audio holds the pure transcoding functions that sit between the
// carrier's wire format (G.711 µ-law, 8 kHz, 20 ms frames) and the model
// formats (PCM16LE at 16 kHz in, 24 kHz out).
package audio

const (
	mulawBias = 0x84
	mulawClip = 32635

	// CarrierSampleRate is the telephony wire rate in Hz.
	CarrierSampleRate = 8000
	// FrameBytes is one 20 ms µ-law frame on the carrier wire.
	FrameBytes = 160
)

// mulawToLinearTable is a pre-computed lookup table for µ-law to 16-bit signed PCM.
var mulawToLinearTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawToLinearTable[i] = decodeMulaw(byte(i))
	}
}

// decodeMulaw expands a single µ-law byte to a 16-bit signed PCM sample:
// ((mantissa<<3 + bias) << exponent) - bias, then the sign bit.
func decodeMulaw(mulaw byte) int16 {
	mulaw = ^mulaw
	sign := mulaw & 0x80
	exponent := uint(mulaw>>4) & 0x07
	mantissa := int32(mulaw & 0x0F)
	sample := ((mantissa<<3 + mulawBias) << exponent) - mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// MulawToLinear converts a single µ-law byte to a 16-bit signed PCM sample
// using the pre-computed lookup table.
func MulawToLinear(mulaw byte) int16 {
	return mulawToLinearTable[mulaw]
}

// LinearToMulaw compresses a 16-bit signed PCM sample to a µ-law byte.
func LinearToMulaw(sample int16) byte {
	v := int32(sample)
	sign := 0
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	// Find the exponent (segment).
	exponent := 7
	expMask := int32(0x4000)
	for i := 0; i < 8; i++ {
		if v&expMask != 0 {
			break
		}
		exponent--
		expMask >>= 1
	}

	mantissa := int((v >> uint(exponent+3)) & 0x0F)
	return byte(^(sign | (exponent << 4) | mantissa))
}

// MulawBufToLinear converts a buffer of µ-law bytes to 16-bit signed PCM (little-endian).
func MulawBufToLinear(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		sample := mulawToLinearTable[b]
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}

// LinearBufToMulaw converts a buffer of 16-bit signed PCM (little-endian) to µ-law.
func LinearBufToMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	mulaw := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		mulaw[i] = LinearToMulaw(sample)
	}
	return mulaw
}

// Upsample8kTo16k doubles the sample rate of 16-bit PCM (little-endian).
// Each input sample is emitted followed by the mean of it and its successor;
// the last sample repeats.
func Upsample8kTo16k(pcm8k []byte) []byte {
	samplesIn := len(pcm8k) / 2
	if samplesIn == 0 {
		return nil
	}

	out := make([]byte, samplesIn*4)
	getSample := func(idx int) int32 {
		if idx >= samplesIn {
			idx = samplesIn - 1
		}
		return int32(int16(pcm8k[idx*2]) | int16(pcm8k[idx*2+1])<<8)
	}

	for i := 0; i < samplesIn; i++ {
		s0 := getSample(i)
		s1 := getSample(i + 1)

		v0 := int16(s0)
		out[i*4] = byte(v0)
		out[i*4+1] = byte(v0 >> 8)

		v1 := int16((s0 + s1) / 2)
		out[i*4+2] = byte(v1)
		out[i*4+3] = byte(v1 >> 8)
	}
	return out
}

// Downsample24kTo8k decimates 16-bit PCM (little-endian) 3:1 by averaging
// non-overlapping groups of three samples. A final partial group is padded
// by repeating the last sample.
func Downsample24kTo8k(pcm24k []byte) []byte {
	samplesIn := len(pcm24k) / 2
	if samplesIn == 0 {
		return nil
	}

	samplesOut := (samplesIn + 2) / 3
	out := make([]byte, samplesOut*2)
	getSample := func(idx int) int32 {
		if idx >= samplesIn {
			idx = samplesIn - 1
		}
		return int32(int16(pcm24k[idx*2]) | int16(pcm24k[idx*2+1])<<8)
	}

	for i := 0; i < samplesOut; i++ {
		src := i * 3
		avg := int16((getSample(src) + getSample(src+1) + getSample(src+2)) / 3)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// MeanAbsEnergy returns the mean absolute sample value of 16-bit PCM
// (little-endian). Used by the utterance detector to classify chunks.
func MeanAbsEnergy(pcm []byte) int {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		s := int32(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		if s < 0 {
			s = -s
		}
		sum += int64(s)
	}
	return int(sum / int64(n))
}
