package audio

import (
	"context"
	"math"
	"testing"
	"time"
)

func constBuffer(value float32, frames, sampleRate int) *Buffer {
	b := NewBuffer(1, frames, sampleRate)
	for i := range b.Data[0] {
		b.Data[0][i] = value
	}
	return b
}

func TestGraph_BusLookupOrCreate(t *testing.T) {
	g := NewGraph(1000)
	a := g.Bus("t1")
	if g.Bus("t1") != a {
		t.Error("Expected the same bus for the same id")
	}
	g.Bus("t2")
	if ids := g.BusIDs(); len(ids) != 2 || ids[0] != "t1" || ids[1] != "t2" {
		t.Errorf("Unexpected bus ids: %v", ids)
	}
	g.RemoveBus("t1")
	if _, ok := g.LookupBus("t1"); ok {
		t.Error("Expected t1 to be removed")
	}
}

func TestGraph_SampleAccurateStart(t *testing.T) {
	g := NewGraph(1000)
	g.SetMasterGain(1)
	g.Bus("t").Start(Playback{Buffer: constBuffer(0.5, 10, 1000), When: 0.005, Gain: 1})

	out := g.Render(20)
	for i := 0; i < 20; i++ {
		want := float32(0)
		if i >= 5 && i < 15 {
			want = 0.5
		}
		if out.Data[0][i] != want || out.Data[1][i] != want {
			t.Fatalf("frame %d: got (%v, %v), want %v", i, out.Data[0][i], out.Data[1][i], want)
		}
	}
	if g.Frame() != 20 {
		t.Errorf("Expected clock at frame 20, got %d", g.Frame())
	}
}

func TestGraph_OffsetAndGains(t *testing.T) {
	g := NewGraph(1024)
	buf := NewBuffer(1, 10, 1024)
	for i := range buf.Data[0] {
		buf.Data[0][i] = float32(i) / 10
	}
	bus := g.Bus("t")
	bus.SetGain(0.5)
	bus.Start(Playback{Buffer: buf, When: 0, Offset: 4.0 / 1024, Gain: 2})

	out := g.Render(8)
	for i := 0; i < 6; i++ {
		want := float32(i+4) / 10 * 2 * 0.5 * DefaultMasterGain
		if math.Abs(float64(out.Data[0][i]-want)) > 1e-6 {
			t.Errorf("frame %d: got %v, want %v", i, out.Data[0][i], want)
		}
	}
	if out.Data[0][6] != 0 || out.Data[0][7] != 0 {
		t.Error("Expected silence once the buffer is exhausted")
	}
}

func TestGraph_PastStartClampsToNow(t *testing.T) {
	g := NewGraph(1000)
	g.Render(100)
	s := g.Bus("t").Start(Playback{Buffer: constBuffer(1, 5, 1000), When: 0.01, Gain: 1})
	if s.StartFrame() != 100 {
		t.Errorf("Expected start clamped to frame 100, got %d", s.StartFrame())
	}
}

func TestGraph_StopIsIdempotentAndSkipsOnEnded(t *testing.T) {
	g := NewGraph(1000)
	ended := 0
	s := g.Bus("t").Start(Playback{
		Buffer:  constBuffer(1, 50, 1000),
		Gain:    1,
		OnEnded: func(*Source) { ended++ },
	})
	s.Stop()
	s.Stop()
	if s.Active() {
		t.Error("Expected source to be inactive after Stop")
	}
	out := g.Render(64)
	if out.RMS() != 0 {
		t.Error("Expected silence after Stop")
	}
	if ended != 0 {
		t.Errorf("Expected no ended callback after Stop, got %d", ended)
	}
}

func TestGraph_OnEndedFiresOnNaturalEnd(t *testing.T) {
	g := NewGraph(1000)
	var endedTag string
	g.Bus("t").Start(Playback{
		Buffer: constBuffer(1, 10, 1000),
		Gain:   1,
		Tag:    "clip-1",
		OnEnded: func(s *Source) {
			endedTag = s.Tag()
			// the graph must be usable from the callback
			g.Bus("t").Start(Playback{Buffer: constBuffer(1, 1, 1000), Gain: 1})
		},
	})
	g.Render(RenderQuantum)
	if endedTag != "clip-1" {
		t.Errorf("Expected ended callback for clip-1, got %q", endedTag)
	}
	if n := len(g.Sources()); n != 1 {
		t.Errorf("Expected the source started from the callback to be live, got %d", n)
	}
}

func TestGraph_Resampling(t *testing.T) {
	g := NewGraph(2000)
	g.SetMasterGain(1)
	buf := NewBuffer(1, 4, 1000)
	copy(buf.Data[0], []float32{0, 1, 0, 1})
	g.Bus("t").Start(Playback{Buffer: buf, Gain: 1})

	out := g.Render(10)
	want := []float32{0, 0.5, 1, 0.5, 0, 0.5, 1, 1, 0, 0}
	for i, w := range want {
		if math.Abs(float64(out.Data[0][i]-w)) > 1e-6 {
			t.Errorf("frame %d: got %v, want %v", i, out.Data[0][i], w)
		}
	}
}

func TestPanGains(t *testing.T) {
	g := NewGraph(1000)
	g.SetMasterGain(1)
	bus := g.Bus("t")
	bus.SetPan(-1)
	bus.Start(Playback{Buffer: constBuffer(0.5, 4, 1000), Gain: 1})
	out := g.Render(4)
	if math.Abs(float64(out.Data[0][0])-1) > 1e-6 {
		t.Errorf("Expected hard left to fold both channels left, got %v", out.Data[0][0])
	}
	if math.Abs(float64(out.Data[1][0])) > 1e-6 {
		t.Errorf("Expected silent right channel, got %v", out.Data[1][0])
	}

	bus.SetPan(5)
	if bus.Pan() != 1 {
		t.Errorf("Expected pan clamped to 1, got %v", bus.Pan())
	}
}

func TestManualContext(t *testing.T) {
	c := NewManualContext(1000)
	if _, err := c.Advance(10); err != ErrNotRunning {
		t.Errorf("Expected ErrNotRunning before Resume, got %v", err)
	}
	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if c.State() != ContextRunning {
		t.Errorf("Expected running state, got %s", c.State())
	}
	if _, err := c.Advance(250); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if c.CurrentTime() != 0.25 {
		t.Errorf("Expected clock 0.25s, got %v", c.CurrentTime())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Resume(context.Background()); err != ErrContextClosed {
		t.Errorf("Expected ErrContextClosed, got %v", err)
	}
}

type failingSink struct{}

func (failingSink) Open(int, int) error   { return ErrSinkUnavailable }
func (failingSink) Write([]float32) error { return nil }
func (failingSink) Close() error          { return nil }

func TestNewContext_SinkFailure(t *testing.T) {
	_, err := NewContext(44100, failingSink{})
	if err == nil {
		t.Fatal("Expected error when the sink cannot be opened")
	}
}

func TestRealtimeContextAdvancesClock(t *testing.T) {
	c, err := NewContext(8000, NewNullSink())
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	defer c.Close()
	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	first := c.CurrentTime()
	for i := 0; i < 200 && c.CurrentTime() <= first; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if c.CurrentTime() <= first {
		t.Error("Expected realtime clock to advance")
	}
	if err := c.Suspend(); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	frozen := c.CurrentTime()
	time.Sleep(5 * time.Millisecond)
	if c.CurrentTime() != frozen {
		t.Error("Expected clock to freeze while suspended")
	}
}

func TestOfflineContext(t *testing.T) {
	o := NewOfflineContext(300, 1000)
	o.Graph().Bus("t").Start(Playback{Buffer: constBuffer(1, 100, 1000), When: 0.1, Gain: 1})
	out, err := o.Render(context.Background())
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out.Len() != 300 {
		t.Errorf("Expected 300 frames, got %d", out.Len())
	}
	if out.Data[0][99] != 0 || out.Data[0][100] == 0 || out.Data[0][200] != 0 {
		t.Error("Unexpected placement in offline render")
	}
	if _, err := o.Render(context.Background()); err != ErrAlreadyRendered {
		t.Errorf("Expected ErrAlreadyRendered, got %v", err)
	}
}

func TestAnalyserLevel(t *testing.T) {
	a := NewAnalyser(256)
	if a.Level() != 0 {
		t.Error("Expected zero level when empty")
	}
	sine := make([]float32, 256)
	for i := range sine {
		sine[i] = float32(math.Sin(2 * math.Pi * float64(i) / 32))
	}
	a.Write(sine)
	if l := a.Level(); math.Abs(l-1) > 1e-3 {
		t.Errorf("Expected full scale sine to read 1, got %v", l)
	}
	a.Write([]float32{4, 4, 4})
	if l := a.Level(); l > 1 {
		t.Errorf("Expected level clamped to 1, got %v", l)
	}
	a.Reset()
	if a.Level() != 0 {
		t.Error("Expected zero level after reset")
	}
}

func TestPeaks(t *testing.T) {
	b := NewBuffer(1, 8, 1000)
	copy(b.Data[0], []float32{0.1, -0.5, 0.2, 0.3, -0.9, 0, 0.4, 0.2})
	peaks := Peaks(b, 4)
	want := []float64{0.5, 0.3, 0.9, 0.4}
	for i := range want {
		if math.Abs(peaks[i]-want[i]) > 1e-6 {
			t.Errorf("peak %d: got %v, want %v", i, peaks[i], want[i])
		}
	}
}

func TestPeaks_ShortBuffer(t *testing.T) {
	b := NewBuffer(1, 3, 1000)
	copy(b.Data[0], []float32{0.2, -0.6, 0.4})
	peaks := Peaks(b, 6)
	want := []float64{0.2, 0.2, 0.6, 0.6, 0.4, 0.4}
	if len(peaks) != len(want) {
		t.Fatalf("Expected %d peaks, got %d", len(want), len(peaks))
	}
	for i := range want {
		if math.Abs(peaks[i]-want[i]) > 1e-6 {
			t.Errorf("peak %d: got %v, want %v", i, peaks[i], want[i])
		}
	}

	if got := Peaks(NewBuffer(1, 0, 1000), 4); len(got) != 4 || got[0] != 0 {
		t.Errorf("Expected zero peaks for an empty buffer, got %v", got)
	}
}
