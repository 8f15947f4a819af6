package dsp

import "math"

// Biquad implements a second-order IIR filter (no heap allocations in Process)
type Biquad struct {
	b0, b1, b2 float32
	a1, a2     float32

	x1, x2 float32
	y1, y2 float32
}

// NewBiquad creates a filter from coefficients already normalized by a0
func NewBiquad(b0, b1, b2, a1, a2 float32) *Biquad {
	return &Biquad{b0: b0, b1: b1, b2: b2, a1: a1, a2: a2}
}

func normalized(b0, b1, b2, a0, a1, a2 float64) *Biquad {
	return NewBiquad(
		float32(b0/a0),
		float32(b1/a0),
		float32(b2/a0),
		float32(a1/a0),
		float32(a2/a0),
	)
}

// Process runs one sample through the filter (Direct Form I)
func (b *Biquad) Process(input float32) float32 {
	output := b.b0*input + b.b1*b.x1 + b.b2*b.x2 - b.a1*b.y1 - b.a2*b.y2
	b.x2 = b.x1
	b.x1 = input
	b.y2 = b.y1
	b.y1 = output
	return output
}

// ProcessBlock filters samples in place
func (b *Biquad) ProcessBlock(samples []float32) {
	for i, s := range samples {
		samples[i] = b.Process(s)
	}
}

// Reset clears the filter state
func (b *Biquad) Reset() {
	b.x1, b.x2 = 0, 0
	b.y1, b.y2 = 0, 0
}

// DefaultQ is the Butterworth Q used when none is given
const DefaultQ = 1 / math.Sqrt2

func params(freq, sampleRate, q float64) (w0, cosw0, alpha float64) {
	if q <= 0 {
		q = DefaultQ
	}
	// frequencies are clamped below nyquist
	if nyquist := 0.49 * sampleRate; freq > nyquist {
		freq = nyquist
	}
	w0 = 2 * math.Pi * freq / sampleRate
	return w0, math.Cos(w0), math.Sin(w0) / (2 * q)
}

// NewLowpass creates a lowpass filter
func NewLowpass(cutoff, sampleRate, q float64) *Biquad {
	_, cosw0, alpha := params(cutoff, sampleRate, q)
	return normalized(
		(1-cosw0)/2, 1-cosw0, (1-cosw0)/2,
		1+alpha, -2*cosw0, 1-alpha,
	)
}

// NewHighpass creates a highpass filter
func NewHighpass(cutoff, sampleRate, q float64) *Biquad {
	_, cosw0, alpha := params(cutoff, sampleRate, q)
	return normalized(
		(1+cosw0)/2, -(1 + cosw0), (1+cosw0)/2,
		1+alpha, -2*cosw0, 1-alpha,
	)
}

// NewPeaking creates a peaking EQ with gainDB at freq
func NewPeaking(freq, sampleRate, q, gainDB float64) *Biquad {
	_, cosw0, alpha := params(freq, sampleRate, q)
	a := math.Pow(10, gainDB/40)
	return normalized(
		1+alpha*a, -2*cosw0, 1-alpha*a,
		1+alpha/a, -2*cosw0, 1-alpha/a,
	)
}

// NewLowShelf creates a low shelf with gainDB below freq (shelf slope 1)
func NewLowShelf(freq, sampleRate, gainDB float64) *Biquad {
	_, cosw0, alpha := params(freq, sampleRate, DefaultQ)
	a := math.Pow(10, gainDB/40)
	sq := 2 * math.Sqrt(a) * alpha
	return normalized(
		a*((a+1)-(a-1)*cosw0+sq),
		2*a*((a-1)-(a+1)*cosw0),
		a*((a+1)-(a-1)*cosw0-sq),
		(a+1)+(a-1)*cosw0+sq,
		-2*((a-1)+(a+1)*cosw0),
		(a+1)+(a-1)*cosw0-sq,
	)
}

// NewHighShelf creates a high shelf with gainDB above freq (shelf slope 1)
func NewHighShelf(freq, sampleRate, gainDB float64) *Biquad {
	_, cosw0, alpha := params(freq, sampleRate, DefaultQ)
	a := math.Pow(10, gainDB/40)
	sq := 2 * math.Sqrt(a) * alpha
	return normalized(
		a*((a+1)+(a-1)*cosw0+sq),
		-2*a*((a-1)+(a+1)*cosw0),
		a*((a+1)+(a-1)*cosw0-sq),
		(a+1)-(a-1)*cosw0+sq,
		2*((a-1)-(a+1)*cosw0),
		(a+1)-(a-1)*cosw0-sq,
	)
}

// Chain runs filters in series
type Chain []*Biquad

// ProcessBlock filters samples in place through every stage
func (c Chain) ProcessBlock(samples []float32) {
	for _, f := range c {
		f.ProcessBlock(samples)
	}
}

// Reset clears every stage
func (c Chain) Reset() {
	for _, f := range c {
		f.Reset()
	}
}
