package audio

import "encoding/binary"

// WAVHeaderSize is the length of the canonical RIFF/WAVE PCM header
const WAVHeaderSize = 44

// WAVHeader returns the canonical 44-byte header for 16-bit PCM data of dataSize bytes
func WAVHeader(sampleRate, channels, dataSize int) []byte {
	h := make([]byte, WAVHeaderSize)
	blockAlign := channels * 2
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(WAVHeaderSize-8+dataSize))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], 16)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataSize))
	return h
}

// PCM16WAV wraps interleaved little-endian 16-bit PCM in a WAV container
func PCM16WAV(pcm []byte, sampleRate, channels int) []byte {
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, WAVHeader(sampleRate, channels, len(pcm))...)
	return append(out, pcm...)
}
