package engine

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/encode"
	"github.com/audiolibrelab/jamz/internal/project"
)

func parityProject() *project.Project {
	p := testProject(60)
	a := addTrack(p, "Keys", bufferClip("keys", 0.5, constBuffer(2, 0.4)))
	a.Volume, a.Pan = 0.5, -0.5
	c := bufferClip("perc", 1.25, rampBuffer(1))
	c.SetGain(0.5)
	b := addTrack(p, "Perc", c)
	b.Pan = 0.3
	return p
}

func firstOnset(buf *audio.Buffer) int {
	for i := 0; i < buf.Len(); i++ {
		if buf.Data[0][i] != 0 || buf.Data[1][i] != 0 {
			return i
		}
	}
	return -1
}

func TestExport_MatchesRealtime(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, Options{})
	s.SetProject(parityProject())

	offline, err := s.RenderMix(ctx, NewRange(0, 4))
	if err != nil {
		t.Fatalf("RenderMix failed: %v", err)
	}
	if offline.Len() != 4000 || offline.NumChannels() != 2 {
		t.Fatalf("Unexpected offline shape %d x %d", offline.NumChannels(), offline.Len())
	}

	if err := s.PlayFrom(ctx, 0); err != nil {
		t.Fatalf("PlayFrom failed: %v", err)
	}
	live := audio.NewBuffer(2, 0, testRate)
	for i := 0; i < 8; i++ {
		block := advance(t, s, 500)
		live.Data[0] = append(live.Data[0], block.Data[0]...)
		live.Data[1] = append(live.Data[1], block.Data[1]...)
	}

	if on, off := firstOnset(live), firstOnset(offline); on != 500 || off != 500 {
		t.Errorf("Onsets differ: realtime %d, offline %d", on, off)
	}
	if math.Abs(live.RMS()-offline.RMS()) > 1e-9 {
		t.Errorf("RMS differs: realtime %v, offline %v", live.RMS(), offline.RMS())
	}
	for ch := 0; ch < 2; ch++ {
		for i := 0; i < offline.Len(); i++ {
			if d := math.Abs(float64(live.Data[ch][i] - offline.Data[ch][i])); d > 1e-6 {
				t.Fatalf("ch %d frame %d: realtime %v, offline %v", ch, i, live.Data[ch][i], offline.Data[ch][i])
			}
		}
	}
}

func TestExport_MidRangeStart(t *testing.T) {
	s := newTestSession(t, Options{})
	p := testProject(60)
	addTrack(p, "A", bufferClip("ramp", 0, rampBuffer(8)))
	s.SetProject(p)

	buf, err := s.RenderMix(context.Background(), NewRange(3, 4))
	if err != nil {
		t.Fatalf("RenderMix failed: %v", err)
	}
	// the render starts 3 seconds into the clip, as a seek would
	if got, want := float64(buf.Data[0][0]), 0.8*3000.0/8000; math.Abs(got-want) > 1e-6 {
		t.Errorf("First sample = %v, want %v", got, want)
	}
}

func TestExport_DefaultRangeIsLoop(t *testing.T) {
	s := newTestSession(t, Options{})
	p := testProject(120)
	p.LoopStart, p.LoopEnd = 2, 5
	s.SetProject(p)

	buf, err := s.RenderMix(context.Background(), nil)
	if err != nil {
		t.Fatalf("RenderMix failed: %v", err)
	}
	if buf.Len() != 1500 {
		t.Errorf("Expected 1500 frames for 3 beats at 120 bpm, got %d", buf.Len())
	}
	if _, err := s.RenderMix(context.Background(), NewRange(4, 4)); err == nil {
		t.Error("Expected empty range to be rejected")
	}
}

func TestExport_PartialRange(t *testing.T) {
	start, end := 3.0, 4.0
	tests := []struct {
		name   string
		rng    *Range
		frames int
	}{
		{"start only", &Range{Start: &start}, 1000},
		{"end only", &Range{End: &end}, 1000},
		{"neither", &Range{}, 1500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, Options{})
			p := testProject(120)
			p.LoopStart, p.LoopEnd = 2, 5
			s.SetProject(p)

			buf, err := s.RenderMix(context.Background(), tt.rng)
			if err != nil {
				t.Fatalf("RenderMix failed: %v", err)
			}
			if buf.Len() != tt.frames {
				t.Errorf("Expected %d frames, got %d", tt.frames, buf.Len())
			}
		})
	}

	s := newTestSession(t, Options{})
	p := testProject(120)
	p.LoopStart, p.LoopEnd = 2, 5
	s.SetProject(p)
	late := 6.0
	if _, err := s.RenderMix(context.Background(), &Range{Start: &late}); !errors.Is(err, ErrInvalidRange) {
		t.Error("Expected a start after the loop end to be rejected")
	}
}

func TestExport_MixWAV(t *testing.T) {
	s := newTestSession(t, Options{})
	s.SetProject(parityProject())

	data, err := s.ExportMix(context.Background(), encode.FormatWAV, NewRange(0, 2))
	if err != nil {
		t.Fatalf("ExportMix failed: %v", err)
	}
	if len(data) != audio.WAVHeaderSize+2000*2*2 {
		t.Errorf("Unexpected WAV size %d", len(data))
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Errorf("Unexpected header %q", data[:12])
	}
}

func TestExport_MissingAudioOmitted(t *testing.T) {
	s := newTestSession(t, Options{
		Fetcher: gatedFetcher{},
		Decoder: fakeDecoder{"mem://ok": constBuffer(1, 0.5)},
	})
	p := testProject(60)
	loaded := project.NewClip("loaded", 0, 1)
	loaded.AudioURL = "mem://ok"
	broken := project.NewClip("broken", 0, 1)
	broken.AudioURL = "mem://corrupt"
	empty := project.NewClip("empty", 0, 1)
	addTrack(p, "A", loaded, broken, empty)
	s.SetProject(p)

	buf, err := s.RenderMix(context.Background(), NewRange(0, 2))
	if err != nil {
		t.Fatalf("Expected export to skip bad clips, got %v", err)
	}
	if got, want := float64(buf.Data[0][10]), 0.8*0.5; math.Abs(got-want) > 1e-6 {
		t.Errorf("Expected the loaded clip alone, got %v", got)
	}
	if buf.Data[0][1500] != 0 {
		t.Errorf("Expected silence after the clip, got %v", buf.Data[0][1500])
	}
}

func TestExport_Stems(t *testing.T) {
	s := newTestSession(t, Options{})
	p := testProject(60)
	addTrack(p, "Drums", bufferClip("d", 0, constBuffer(1, 0.5)))
	bass := addTrack(p, "Bass", bufferClip("b", 0, constBuffer(1, 0.25)))
	bass.Mute = true
	addTrack(p, "Empty")
	vox := addTrack(p, "Vox", bufferClip("v", 0, constBuffer(1, 0.1)))
	vox.Solo = true
	s.SetProject(p)

	stems, err := s.ExportStems(context.Background(), encode.FormatWAV, NewRange(0, 1))
	if err != nil {
		t.Fatalf("ExportStems failed: %v", err)
	}
	if len(stems) != 3 {
		t.Fatalf("Expected 3 stems, got %d", len(stems))
	}
	want := []*project.Track{p.Tracks[0], bass, vox}
	for i, st := range stems {
		if st.TrackName != want[i].Name || st.TrackID != want[i].ID {
			t.Errorf("stem %d: unexpected %s (%s)", i, st.TrackName, st.TrackID)
		}
		if len(st.Data) != audio.WAVHeaderSize+1000*2*2 {
			t.Errorf("stem %s: unexpected size %d", st.TrackName, len(st.Data))
		}
	}

	// the muted bass still renders at its level
	buf, err := audio.DecodeWAV(bytes.NewReader(stems[1].Data))
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if got, want := float64(buf.Data[0][0]), 0.8*0.25; math.Abs(got-want) > 1.0/32768 {
		t.Errorf("Bass stem sample = %v, want %v", got, want)
	}
}
