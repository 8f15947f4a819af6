package project

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/audiolibrelab/jamz/internal/audio"
)

func TestNewProject_Defaults(t *testing.T) {
	p := NewProject("")
	if p.Name != "Untitled" {
		t.Errorf("Expected name 'Untitled', got '%s'", p.Name)
	}
	if p.BPM != 120 {
		t.Errorf("Expected 120 BPM, got %g", p.BPM)
	}
	if p.TimeSignature != (TimeSignature{4, 4}) {
		t.Errorf("Expected 4/4, got %v", p.TimeSignature)
	}
	if p.LoopStart != 0 || p.LoopEnd != 16 || p.LoopEnabled {
		t.Errorf("Expected disabled loop 0..16, got %g..%g enabled=%t", p.LoopStart, p.LoopEnd, p.LoopEnabled)
	}
	if p.ID == "" || p.Tracks == nil {
		t.Error("Expected an id and an empty track list")
	}
	if err := p.Validate(); err != nil {
		t.Errorf("New project should validate: %v", err)
	}
}

func TestAddTrack_Colors(t *testing.T) {
	p := NewProject("Jam")
	for i := 0; i < len(trackColors)+1; i++ {
		p.AddTrack(NewTrack("t", KindAudio))
	}
	if p.Tracks[0].Color != trackColors[0] || p.Tracks[1].Color != trackColors[1] {
		t.Errorf("Unexpected palette order: %s, %s", p.Tracks[0].Color, p.Tracks[1].Color)
	}
	if last := p.Tracks[len(trackColors)]; last.Color != trackColors[0] {
		t.Errorf("Expected palette to wrap, got %s", last.Color)
	}

	custom := NewTrack("custom", KindAudio)
	custom.Color = "#000000"
	p.AddTrack(custom)
	if custom.Color != "#000000" {
		t.Errorf("Color should be kept, got %s", custom.Color)
	}
}

func TestNewTrack_Defaults(t *testing.T) {
	tr := NewTrack("Bass", "")
	if tr.Kind != KindAudio {
		t.Errorf("Expected audio kind, got %s", tr.Kind)
	}
	if tr.Volume != 0.8 || tr.Pan != 0 || tr.Mute || tr.Solo || tr.Armed {
		t.Errorf("Unexpected defaults: %+v", tr)
	}
}

func TestAudibleTracks(t *testing.T) {
	tests := []struct {
		name  string
		setup func(a, b, c *Track)
		want  []string
	}{
		{
			name:  "all play",
			setup: func(a, b, c *Track) {},
			want:  []string{"a", "b", "c"},
		},
		{
			name:  "mute",
			setup: func(a, b, c *Track) { b.Mute = true },
			want:  []string{"a", "c"},
		},
		{
			name:  "solo",
			setup: func(a, b, c *Track) { c.Solo = true },
			want:  []string{"c"},
		},
		{
			name:  "two solos",
			setup: func(a, b, c *Track) { a.Solo, c.Solo = true, true },
			want:  []string{"a", "c"},
		},
		{
			name:  "muted solo",
			setup: func(a, b, c *Track) { a.Solo, a.Mute, b.Solo = true, true, true },
			want:  []string{"b"},
		},
		{
			name:  "midi never plays",
			setup: func(a, b, c *Track) { b.Kind = KindMIDI },
			want:  []string{"a", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProject("Jam")
			a, b, c := NewTrack("a", KindAudio), NewTrack("b", KindAudio), NewTrack("c", KindAudio)
			p.AddTrack(a)
			p.AddTrack(b)
			p.AddTrack(c)
			tt.setup(a, b, c)

			var got []string
			for _, tr := range p.AudibleTracks() {
				got = append(got, tr.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFindAndRemove(t *testing.T) {
	p := NewProject("Jam")
	tr := NewTrack("Guitar", KindAudio)
	c := NewClip("riff", 4, 8)
	tr.AddClip(c)
	p.AddTrack(tr)

	gotTrack, gotClip := p.FindClip(c.ID)
	if gotTrack != tr || gotClip != c {
		t.Fatal("FindClip did not return the owning track and clip")
	}
	if _, missing := p.FindClip("nope"); missing != nil {
		t.Error("Expected nil for unknown clip")
	}

	if !tr.RemoveClip(c.ID) || tr.RemoveClip(c.ID) {
		t.Error("RemoveClip should succeed once")
	}
	if !p.RemoveTrack(tr.ID) || p.Track(tr.ID) != nil {
		t.Error("RemoveTrack should remove the track")
	}
	if p.RemoveTrack(tr.ID) {
		t.Error("RemoveTrack should report a missing track")
	}
}

func TestClipDefaults(t *testing.T) {
	c := NewClip("take", 0, 4)
	if c.StartOffset() != 0 || c.EffectiveGain() != 1 {
		t.Errorf("Expected offset 0 and gain 1, got %g and %g", c.StartOffset(), c.EffectiveGain())
	}
	c.SetOffset(1.5)
	c.SetGain(0.25)
	if c.StartOffset() != 1.5 || c.EffectiveGain() != 0.25 {
		t.Errorf("Expected offset 1.5 and gain 0.25, got %g and %g", c.StartOffset(), c.EffectiveGain())
	}
}

func TestClone_IsDeep(t *testing.T) {
	p := NewProject("Jam")
	tr := NewTrack("Vocals", KindAudio)
	c := NewClip("verse", 0, 4)
	c.SetGain(0.5)
	c.WaveformPeaks = []float64{0.1, 0.2}
	c.Buffer = audio.NewBuffer(1, 10, 8000)
	tr.AddClip(c)
	p.AddTrack(tr)

	cp := p.Clone()
	cp.Name = "Copy"
	cp.Tracks[0].Volume = 0.1
	cp.Tracks[0].Clips[0].SetGain(2)
	cp.Tracks[0].Clips[0].WaveformPeaks[0] = 9
	cp.Tracks = append(cp.Tracks, NewTrack("extra", KindAudio))

	if p.Name != "Jam" || tr.Volume != 0.8 || len(p.Tracks) != 1 {
		t.Error("Clone shares project or track state")
	}
	if c.EffectiveGain() != 0.5 || c.WaveformPeaks[0] != 0.1 {
		t.Error("Clone shares clip state")
	}
	if cp.Tracks[0].Clips[0].Buffer != c.Buffer {
		t.Error("Clone should keep the resident buffer")
	}
}

func TestClone_NilOffset(t *testing.T) {
	p := NewProject("Jam")
	tr := NewTrack("t", KindAudio)
	tr.AddClip(NewClip("c", 0, 1))
	p.AddTrack(tr)

	cp := p.Clone()
	if cp.Tracks[0].Clips[0].Offset != nil || cp.Tracks[0].Clips[0].Gain != nil {
		t.Error("Unset offset and gain should stay unset")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Project)
		wantErr string
	}{
		{"valid", func(p *Project) {}, ""},
		{"no id", func(p *Project) { p.ID = "" }, "'id' is required"},
		{"zero bpm", func(p *Project) { p.BPM = 0 }, "bpm must be > 0"},
		{"nan bpm", func(p *Project) { p.BPM = math.NaN() }, "bpm must be > 0"},
		{"infinite bpm", func(p *Project) { p.BPM = math.Inf(1) }, "bpm must be > 0"},
		{"infinite loop end", func(p *Project) { p.LoopEnd = math.Inf(1) }, "loop bounds must be finite"},
		{"time signature", func(p *Project) { p.TimeSignature = TimeSignature{0, 4} }, "invalid time signature"},
		{"negative loop", func(p *Project) { p.LoopStart = -1 }, "loopStart must be >= 0"},
		{"empty loop", func(p *Project) { p.LoopEnd = p.LoopStart }, "must be greater than loopStart"},
		{"track kind", func(p *Project) { p.Tracks[0].Kind = "video" }, "type must be 'audio' or 'midi'"},
		{"volume", func(p *Project) { p.Tracks[0].Volume = 1.5 }, "volume must be within 0..1"},
		{"pan", func(p *Project) { p.Tracks[0].Pan = -2 }, "pan must be within -1..1"},
		{"duplicate track", func(p *Project) { p.Tracks[1].ID = p.Tracks[0].ID }, "duplicate ID"},
		{"nan volume", func(p *Project) { p.Tracks[0].Volume = math.NaN() }, "volume must be within 0..1"},
		{"clip start", func(p *Project) { p.Tracks[0].Clips[0].StartBeat = -0.5 }, "startBeat must be >= 0"},
		{"nan clip start", func(p *Project) { p.Tracks[0].Clips[0].StartBeat = math.NaN() }, "startBeat must be >= 0"},
		{"infinite clip length", func(p *Project) { p.Tracks[0].Clips[0].LengthBeats = math.Inf(1) }, "lengthBeats must be > 0"},
		{"clip length", func(p *Project) { p.Tracks[0].Clips[0].LengthBeats = 0 }, "lengthBeats must be > 0"},
		{"clip offset", func(p *Project) { p.Tracks[0].Clips[0].SetOffset(-1) }, "offset must be >= 0"},
		{"clip gain", func(p *Project) { p.Tracks[0].Clips[0].SetGain(-1) }, "gain must be >= 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProject("Jam")
			a := NewTrack("a", KindAudio)
			a.AddClip(NewClip("c", 0, 4))
			p.AddTrack(a)
			p.AddTrack(NewTrack("b", KindMIDI))
			tt.mutate(p)

			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing '%s'", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing '%s', got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestJSON_OmitsBuffer(t *testing.T) {
	p := NewProject("Jam")
	tr := NewTrack("t", KindAudio)
	c := NewClip("c", 2, 4)
	c.Buffer = audio.NewBuffer(1, 100, 8000)
	tr.AddClip(c)
	p.AddTrack(tr)

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "Buffer") {
		t.Error("Buffer must not be serialized")
	}
	if !strings.Contains(string(data), `"type":"audio"`) || strings.Contains(string(data), `"offset"`) {
		t.Errorf("Unexpected encoding: %s", data)
	}
}

func TestTimeConversions(t *testing.T) {
	if got := BeatsToSeconds(8, 120); got != 4 {
		t.Errorf("BeatsToSeconds(8, 120) = %g, want 4", got)
	}
	if got := SecondsToBeats(3, 90); math.Abs(got-4.5) > 1e-12 {
		t.Errorf("SecondsToBeats(3, 90) = %g, want 4.5", got)
	}

	p := NewProject("Jam")
	p.LoopStart, p.LoopEnd = 4, 12
	if got := p.DurationSeconds(); got != 4 {
		t.Errorf("DurationSeconds = %g, want 4", got)
	}
	p.TimeSignature = TimeSignature{3, 4}
	if p.BeatsPerBar() != 3 {
		t.Errorf("BeatsPerBar = %d, want 3", p.BeatsPerBar())
	}
	p.TimeSignature = TimeSignature{}
	if p.BeatsPerBar() != 4 {
		t.Errorf("BeatsPerBar should default to 4, got %d", p.BeatsPerBar())
	}
}
