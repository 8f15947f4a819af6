package audio

import (
	"math"
	"sync"
)

// Analyser keeps the most recent window of a mono signal for level metering
type Analyser struct {
	mu     sync.Mutex
	ring   []float32
	pos    int
	filled int
}

// NewAnalyser creates an analyser holding size samples
func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = AnalyserSize
	}
	return &Analyser{ring: make([]float32, size)}
}

// Write appends mono samples
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.push(s)
	}
}

// WriteStereo appends the mid signal of a stereo pair
func (a *Analyser) WriteStereo(left, right []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range left {
		a.push((left[i] + right[i]) / 2)
	}
}

// WriteInterleaved appends interleaved frames averaged across channels
func (a *Analyser) WriteInterleaved(samples []float32, channels int) {
	if channels <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+channels <= len(samples); i += channels {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i+ch]
		}
		a.push(sum / float32(channels))
	}
}

func (a *Analyser) push(s float32) {
	a.ring[a.pos] = s
	a.pos = (a.pos + 1) % len(a.ring)
	if a.filled < len(a.ring) {
		a.filled++
	}
}

// Level returns a meter reading in [0, 1] derived from the window RMS.
// A full-scale sine reads 1.
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < a.filled; i++ {
		v := float64(a.ring[i])
		sum += v * v
	}
	level := math.Sqrt(sum/float64(a.filled)) * math.Sqrt2
	if math.IsNaN(level) {
		return 0
	}
	return math.Min(1, level)
}

// Reset clears the window
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.ring {
		a.ring[i] = 0
	}
	a.pos = 0
	a.filled = 0
}
