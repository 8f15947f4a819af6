package audio

import (
	"math"
	"sync"
)

const (
	// DefaultSampleRate is the rate used for contexts and exports unless configured otherwise
	DefaultSampleRate = 44100
	// RenderQuantum is the number of frames processed per graph pass
	RenderQuantum = 128
	// DefaultMasterGain is applied to the summed buses before the analyser tap
	DefaultMasterGain = 0.8
	// AnalyserSize is the number of samples held by an analyser window
	AnalyserSize = 256
)

// Graph is a software mixing graph: sources feed per-track buses
// (gain then stereo panner), buses sum into a master gain which is tapped
// by an analyser. The graph clock counts rendered frames.
type Graph struct {
	mu         sync.Mutex
	sampleRate int
	frame      int64
	masterGain float64
	buses      map[string]*Bus
	order      []*Bus
	analyser   *Analyser

	busL, busR []float32
}

// NewGraph creates an empty graph rendering at sampleRate
func NewGraph(sampleRate int) *Graph {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Graph{
		sampleRate: sampleRate,
		masterGain: DefaultMasterGain,
		buses:      make(map[string]*Bus),
		analyser:   NewAnalyser(AnalyserSize),
		busL:       make([]float32, RenderQuantum),
		busR:       make([]float32, RenderQuantum),
	}
}

// SampleRate returns the render rate
func (g *Graph) SampleRate() int {
	return g.sampleRate
}

// Frame returns the number of frames rendered so far
func (g *Graph) Frame() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frame
}

// CurrentTime returns the graph clock in seconds
func (g *Graph) CurrentTime() float64 {
	return float64(g.Frame()) / float64(g.sampleRate)
}

// Analyser returns the tap on the master output
func (g *Graph) Analyser() *Analyser {
	return g.analyser
}

// MasterGain returns the master gain
func (g *Graph) MasterGain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.masterGain
}

// SetMasterGain sets the master gain
func (g *Graph) SetMasterGain(v float64) {
	g.mu.Lock()
	g.masterGain = v
	g.mu.Unlock()
}

// Bus returns the bus for id, creating it on first use
func (g *Graph) Bus(id string) *Bus {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buses[id]; ok {
		return b
	}
	b := &Bus{graph: g, id: id, gain: 1}
	g.buses[id] = b
	g.order = append(g.order, b)
	return b
}

// LookupBus returns the bus for id without creating it
func (g *Graph) LookupBus(id string) (*Bus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buses[id]
	return b, ok
}

// BusIDs returns the ids of all buses in creation order
func (g *Graph) BusIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, len(g.order))
	for i, b := range g.order {
		ids[i] = b.id
	}
	return ids
}

// RemoveBus stops every source on the bus and disconnects it
func (g *Graph) RemoveBus(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buses[id]
	if !ok {
		return
	}
	for _, s := range b.sources {
		s.stopped = true
	}
	b.sources = nil
	delete(g.buses, id)
	for i, ob := range g.order {
		if ob == b {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// StopAll stops every live source. Ended callbacks are not invoked.
func (g *Graph) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range g.order {
		for _, s := range b.sources {
			s.stopped = true
		}
		b.sources = nil
	}
}

// Sources returns the live sources across all buses
func (g *Graph) Sources() []*Source {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Source
	for _, b := range g.order {
		out = append(out, b.sources...)
	}
	return out
}

// Render advances the clock by frames and returns the stereo master output
func (g *Graph) Render(frames int) *Buffer {
	out := NewBuffer(2, frames, g.sampleRate)
	g.RenderInto(out.Data[0], out.Data[1])
	return out
}

// RenderInto renders len(left) frames into left and right, overwriting them
func (g *Graph) RenderInto(left, right []float32) {
	var ended []*Source
	g.mu.Lock()
	for done := 0; done < len(left); {
		n := len(left) - done
		if n > RenderQuantum {
			n = RenderQuantum
		}
		ended = g.renderQuantum(left[done:done+n], right[done:done+n], ended)
		done += n
	}
	g.mu.Unlock()

	g.analyser.WriteStereo(left, right)

	for _, s := range ended {
		if s.onEnded != nil {
			s.onEnded(s)
		}
	}
}

// renderQuantum must be called with g.mu held
func (g *Graph) renderQuantum(outL, outR []float32, ended []*Source) []*Source {
	n := len(outL)
	for i := 0; i < n; i++ {
		outL[i], outR[i] = 0, 0
	}
	bl, br := g.busL[:n], g.busR[:n]

	for _, b := range g.order {
		if len(b.sources) == 0 {
			continue
		}
		for i := 0; i < n; i++ {
			bl[i], br[i] = 0, 0
		}
		live := b.sources[:0]
		for _, s := range b.sources {
			if s.mix(bl, br, g.frame) {
				s.ended = true
				ended = append(ended, s)
				continue
			}
			live = append(live, s)
		}
		for i := len(live); i < len(b.sources); i++ {
			b.sources[i] = nil
		}
		b.sources = live

		gl, gr, cross := panGains(b.pan)
		gain := float32(b.gain)
		for i := 0; i < n; i++ {
			l, r := bl[i], br[i]
			var pl, pr float32
			switch cross {
			case 0:
				pl, pr = l, r
			case -1:
				pl = l + r*gl
				pr = r * gr
			default:
				pl = l * gl
				pr = r + l*gr
			}
			outL[i] += pl * gain
			outR[i] += pr * gain
		}
	}

	master := float32(g.masterGain)
	for i := 0; i < n; i++ {
		outL[i] *= master
		outR[i] *= master
	}
	g.frame += int64(n)
	return ended
}

// panGains returns the equal-power stereo panner coefficients. cross is
// -1 when folding right into left, +1 when folding left into right and 0
// at center where the input passes through unchanged.
func panGains(pan float64) (gl, gr float32, cross int) {
	switch {
	case pan == 0:
		return 1, 1, 0
	case pan < 0:
		x := (pan + 1) * math.Pi / 2
		return float32(math.Cos(x)), float32(math.Sin(x)), -1
	default:
		x := pan * math.Pi / 2
		return float32(math.Cos(x)), float32(math.Sin(x)), 1
	}
}

// Bus is the per-track chain: gain then stereo panner
type Bus struct {
	graph   *Graph
	id      string
	gain    float64
	pan     float64
	sources []*Source
}

// ID returns the bus key
func (b *Bus) ID() string {
	return b.id
}

// SetGain sets the bus linear gain
func (b *Bus) SetGain(v float64) {
	b.graph.mu.Lock()
	b.gain = v
	b.graph.mu.Unlock()
}

// Gain returns the bus linear gain
func (b *Bus) Gain() float64 {
	b.graph.mu.Lock()
	defer b.graph.mu.Unlock()
	return b.gain
}

// SetPan sets the stereo position, clamped to -1..1
func (b *Bus) SetPan(v float64) {
	if v < -1 {
		v = -1
	} else if v > 1 {
		v = 1
	}
	b.graph.mu.Lock()
	b.pan = v
	b.graph.mu.Unlock()
}

// Pan returns the stereo position
func (b *Bus) Pan() float64 {
	b.graph.mu.Lock()
	defer b.graph.mu.Unlock()
	return b.pan
}

// Playback describes a buffer to start on a bus.
// Gain is linear and applied as given; zero is silence.
type Playback struct {
	Buffer *Buffer
	// When is the graph time in seconds at which output starts. Times in
	// the past start at the current frame.
	When float64
	// Offset is the position in seconds within Buffer to start reading from
	Offset float64
	Gain   float64
	// Tag identifies the source to callers, typically a clip id
	Tag string
	// OnEnded runs when the buffer plays out. It does not run after Stop.
	OnEnded func(*Source)
}

// Start schedules a buffer on the bus and returns its source
func (b *Bus) Start(p Playback) *Source {
	g := b.graph
	s := &Source{
		bus:     b,
		buf:     p.Buffer,
		tag:     p.Tag,
		gain:    float32(p.Gain),
		onEnded: p.OnEnded,
	}
	if p.Buffer != nil && p.Buffer.SampleRate > 0 {
		s.step = float64(p.Buffer.SampleRate) / float64(g.sampleRate)
		if p.Offset > 0 {
			s.pos = p.Offset * float64(p.Buffer.SampleRate)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	s.startFrame = int64(math.Round(p.When * float64(g.sampleRate)))
	if s.startFrame < g.frame {
		s.startFrame = g.frame
	}
	b.sources = append(b.sources, s)
	return s
}

// Source plays one buffer once on a bus
type Source struct {
	bus        *Bus
	buf        *Buffer
	tag        string
	startFrame int64
	pos        float64
	step       float64
	gain       float32
	stopped    bool
	ended      bool
	onEnded    func(*Source)
}

// Tag returns the caller supplied tag
func (s *Source) Tag() string {
	return s.tag
}

// StartFrame returns the graph frame at which output begins
func (s *Source) StartFrame() int64 {
	return s.startFrame
}

// Active reports whether the source is still scheduled or playing
func (s *Source) Active() bool {
	g := s.bus.graph
	g.mu.Lock()
	defer g.mu.Unlock()
	return !s.stopped && !s.ended
}

// Stop silences the source. Calling it more than once is harmless.
func (s *Source) Stop() {
	g := s.bus.graph
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.stopped || s.ended {
		return
	}
	s.stopped = true
	b := s.bus
	for i, o := range b.sources {
		if o == s {
			b.sources = append(b.sources[:i], b.sources[i+1:]...)
			break
		}
	}
}

// mix adds the source into the bus scratch buffers for the quantum
// beginning at frame base. It reports whether the buffer is exhausted.
func (s *Source) mix(bl, br []float32, base int64) bool {
	if s.buf == nil || s.buf.NumChannels() == 0 || s.step <= 0 {
		return true
	}
	length := s.buf.Len()
	left := s.buf.Data[0]
	right := left
	if s.buf.NumChannels() > 1 {
		right = s.buf.Data[1]
	}

	for i := range bl {
		if base+int64(i) < s.startFrame {
			continue
		}
		if s.pos >= float64(length) {
			return true
		}
		i0 := int(s.pos)
		frac := float32(s.pos - float64(i0))
		l, r := left[i0], right[i0]
		if frac != 0 && i0+1 < length {
			l += (left[i0+1] - l) * frac
			r += (right[i0+1] - r) * frac
		}
		bl[i] += l * s.gain
		br[i] += r * s.gain
		s.pos += s.step
	}
	return s.pos >= float64(length)
}
