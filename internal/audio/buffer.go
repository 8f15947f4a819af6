package audio

import (
	"fmt"
	"math"
)

// Buffer holds planar linear PCM audio. All channel slices have the same length.
type Buffer struct {
	SampleRate int
	Data       [][]float32
}

// NewBuffer allocates a silent buffer
func NewBuffer(channels, frames, sampleRate int) *Buffer {
	data := make([][]float32, channels)
	for i := range data {
		data[i] = make([]float32, frames)
	}
	return &Buffer{SampleRate: sampleRate, Data: data}
}

// NewBufferFromInterleaved de-interleaves samples into a new buffer
func NewBufferFromInterleaved(samples []float32, channels, sampleRate int) (*Buffer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("sample count %d is not a multiple of %d channels", len(samples), channels)
	}
	frames := len(samples) / channels
	b := NewBuffer(channels, frames, sampleRate)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			b.Data[ch][i] = samples[i*channels+ch]
		}
	}
	return b, nil
}

// NumChannels returns the channel count
func (b *Buffer) NumChannels() int {
	return len(b.Data)
}

// Len returns the number of frames
func (b *Buffer) Len() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the buffer length in seconds
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Len()) / float64(b.SampleRate)
}

// Channel returns the samples of channel i
func (b *Buffer) Channel(i int) []float32 {
	return b.Data[i]
}

// Interleaved returns the frames as one interleaved slice
func (b *Buffer) Interleaved() []float32 {
	channels := b.NumChannels()
	frames := b.Len()
	out := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = b.Data[ch][i]
		}
	}
	return out
}

// RMS returns the root mean square over all channels
func (b *Buffer) RMS() float64 {
	var sum float64
	n := 0
	for _, ch := range b.Data {
		for _, s := range ch {
			v := float64(s)
			sum += v * v
		}
		n += len(ch)
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// Peaks summarizes the first channel into n per-segment absolute peaks
func Peaks(b *Buffer, n int) []float64 {
	if b == nil || b.NumChannels() == 0 || n <= 0 {
		return nil
	}
	data := b.Data[0]
	peaks := make([]float64, n)
	for i := 0; i < n; i++ {
		// every segment covers at least one frame, so short buffers stretch
		start := i * len(data) / n
		end := (i + 1) * len(data) / n
		if end <= start {
			end = start + 1
		}
		if end > len(data) {
			end = len(data)
		}
		var max float64
		for j := start; j < end; j++ {
			v := math.Abs(float64(data[j]))
			if v > max {
				max = v
			}
		}
		peaks[i] = max
	}
	return peaks
}
