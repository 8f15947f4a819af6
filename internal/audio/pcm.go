package audio

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts a float sample to signed 16-bit PCM. The sample is
// clamped to [-1, 1] first; negative values scale by 32768 and positive by
// 32767 so full-scale negative input cannot overflow.
func FloatToPCM16(v float32) int16 {
	f := float64(v)
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	} else if math.IsNaN(f) {
		f = 0
	}
	if f < 0 {
		return int16(math.Round(f * 32768))
	}
	return int16(math.Round(f * 32767))
}

// PCM16ToFloat is the inverse of FloatToPCM16
func PCM16ToFloat(s int16) float32 {
	if s < 0 {
		return float32(s) / 32768
	}
	return float32(s) / 32767
}

// AppendPCM16LE appends interleaved float samples as little-endian 16-bit PCM
func AppendPCM16LE(dst []byte, interleaved []float32) []byte {
	var tmp [2]byte
	for _, s := range interleaved {
		binary.LittleEndian.PutUint16(tmp[:], uint16(FloatToPCM16(s)))
		dst = append(dst, tmp[0], tmp[1])
	}
	return dst
}

// DecodePCM16LE converts little-endian 16-bit interleaved PCM into floats.
// A trailing odd byte is ignored.
func DecodePCM16LE(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = PCM16ToFloat(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return out
}
