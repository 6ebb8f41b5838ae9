package audio

import "encoding/binary"

// WrapWAV frames raw 16-bit mono PCM (little-endian) in a minimal RIFF/WAVE
// container at the given sample rate. The STT endpoint wants a file, not a
// raw sample stream.
func WrapWAV(pcm []byte, sampleRate int) []byte {
	const (
		headerLen = 44
		channels  = 1
		bitDepth  = 16
	)
	blockAlign := channels * bitDepth / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, headerLen+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitDepth)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
